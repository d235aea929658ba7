package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/dpml/transit/artifact"
	"github.com/dpml/transit/part"
	"github.com/dpml/transit/server"
)

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Resolve artifacts into the cache and print their paths",
		ArgsUsage: "<uri>...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("get needs at least one artifact uri", 2)
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()
			for _, uri := range c.Args().Slice() {
				a, err := artifact.Parse(uri)
				if err != nil {
					return err
				}
				if a.IsLink() {
					if a, err = e.cache.Resolve(c.Context, a); err != nil {
						return err
					}
				}
				path, err := e.cache.File(c.Context, a)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, path)
			}
			return nil
		},
	}
}

func catCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "Write an artifact, or an entry inside one, to standard output",
		ArgsUsage: "<uri>[!entry]",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("cat needs one artifact uri", 2)
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()
			rc, err := e.cache.OpenURI(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(c.App.Writer, rc)
			return err
		},
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "Add a file to the cache, or upload it to a host",
		ArgsUsage: "<uri> <file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "upload to the host with this id"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("put needs an artifact uri and a file", 2)
			}
			a, err := artifact.Parse(c.Args().Get(0))
			if err != nil {
				return err
			}
			f, err := os.Open(c.Args().Get(1))
			if err != nil {
				return err
			}
			defer f.Close()
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			if id := c.String("host"); id != "" {
				hst := e.cache.Host(id)
				if hst == nil {
					return cli.Exit("no host with id "+id, 2)
				}
				return hst.Upload(c.Context, a, f)
			}
			w, err := e.cache.Create(c.Context, a)
			if err != nil {
				return err
			}
			if _, err := io.Copy(w, f); err != nil {
				w.(interface{ Abort() error }).Abort()
				return err
			}
			return w.Close()
		},
	}
}

func pluginCommand() *cli.Command {
	return &cli.Command{
		Name:      "plugin",
		Usage:     "Resolve a plugin and its classpath, and describe it",
		ArgsUsage: "<uri>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "classloader", Usage: "print the classloader chain"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("plugin needs one plugin uri", 2)
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()
			d, err := e.loader.PluginDescriptor(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			cl, err := e.loader.ClassLoader(c.Context, nil, d)
			if err != nil {
				return err
			}
			if _, err := d.WriteTo(c.App.Writer); err != nil {
				return err
			}
			if c.Bool("classloader") {
				fmt.Fprintln(c.App.Writer, cl)
			}
			return nil
		},
	}
}

func partCommand() *cli.Command {
	return &cli.Command{
		Name:      "part",
		Usage:     "Load a part document and print it",
		ArgsUsage: "<uri>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("part needs one part uri", 2)
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()
			p, err := e.decoder.Load(c.Context, nil, c.Args().First(), false)
			if err != nil {
				return err
			}
			return part.NewEncoder(c.App.Writer).Encode(p)
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the cache over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address"},
			&cli.BoolFlag{Name: "writable", Usage: "accept uploads"},
			&cli.StringFlag{Name: "users", Usage: "file listing users, roles, API keys and publish groups"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()
			s := &server.Server{
				Addr:     e.config.Server.Addr,
				Cache:    e.cache,
				Writable: e.config.Server.Writable || c.Bool("writable"),
				Log:      e.log,
			}
			if addr := c.String("addr"); addr != "" {
				s.Addr = addr
			}
			if users := c.String("users"); users != "" {
				if s.Users, err = server.ReadUsersFile(users); err != nil {
					return errors.Wrap(err, "reading users")
				}
			}
			go stopOnSignal(c.Context, e.log, s)
			return s.Run()
		},
	}
}

func stopOnSignal(ctx context.Context, log *zap.Logger, s *server.Server) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("stopping depot")
	if err := s.Stop(); err != nil {
		log.Error("stop", zap.Error(err))
	}
}
