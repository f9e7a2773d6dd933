// Package api serves read-only queries over the package databases.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ppphp/emergo/config"
	"github.com/ppphp/emergo/pkg/dbapi"
	"github.com/ppphp/emergo/pkg/util/msg"
)

// Server holds the databases the handlers read.
type Server struct {
	Vardb *dbapi.VarDbapi
	// Repos maps a repository name to its database.
	Repos map[string]dbapi.Dbapi

	closers []interface{ Close() error }
}

// Open builds a Server for the root and repositories in settings.
func Open(settings *config.Settings) (*Server, error) {
	s := &Server{
		Vardb: dbapi.NewVarDbapi(settings.DbapiConfig()),
		Repos: map[string]dbapi.Dbapi{},
	}
	for _, r := range settings.Repos {
		if r.Kind == "binary" {
			b := dbapi.NewBinDbapi(r.Location)
			if err := b.Populate(); err != nil {
				msg.WithFields(logrus.Fields{"repo": r.Name}).WithError(err).Warn("skipping binary repository")
				continue
			}
			s.Repos[r.Name] = b
			continue
		}
		po, err := settings.PortOptions(r)
		if err != nil {
			s.Close()
			return nil, err
		}
		p, err := dbapi.NewPortDbapi(r.Name, r.Location, po)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("repository %s: %w", r.Name, err)
		}
		s.closers = append(s.closers, p)
		s.Repos[r.Name] = p
	}
	return s, nil
}

func (s *Server) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// Engine registers the routes on a new gin engine.
func (s *Server) Engine() *gin.Engine {
	app := gin.New()
	app.Use(gin.Recovery(), accessLog())
	app.GET("/ping", getPing)
	app.GET("/categories", s.getCategories)
	app.GET("/packages/:category", s.getPackages)
	app.GET("/installed", s.getInstalled)
	app.GET("/installed/:category/:pf", s.getInstalledPackage)
	app.GET("/owners", s.getOwners)
	return app
}

// Run serves on listen until ctx is done.
func (s *Server) Run(ctx context.Context, listen string) error {
	srv := &http.Server{Addr: listen, Handler: s.Engine()}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	msg.WithFields(logrus.Fields{"listen": listen}).Info("serving package queries")
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		msg.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("request")
	}
}

// repoNames returns the repository names in order so responses are stable.
func (s *Server) repoNames() []string {
	names := make([]string, 0, len(s.Repos))
	for n := range s.Repos {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
