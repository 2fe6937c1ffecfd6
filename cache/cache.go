// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Package cache serves a [store.DaemonStore] as an HTTP binary cache:
// the nix-cache-info document, per-path .narinfo metadata, and NAR
// object bytes, in the format substituters fetch over HTTP.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"zombiezen.com/go/log"
	"zombiezen.com/go/uritemplate"

	"go.nixrs.dev/nixrs/narinfo"
	"go.nixrs.dev/nixrs/store"
	"go.nixrs.dev/nixrs/storepath"
)

// Server answers binary-cache requests against a backing
// [store.DaemonStore]; [Server.Handler] returns the [http.Handler] that
// serves them.
type Server struct {
	Store store.DaemonStore
	Dir   storepath.Dir

	// Priority is reported in nix-cache-info; lower values are
	// preferred by substituters that can reach multiple caches.
	Priority int

	// NARURLTemplate is a RFC 6570 URI template (see
	// zombiezen.com/go/uritemplate) used to build each narinfo
	// document's URL field from its store path's hash part. The
	// default is "nar/{hash}.nar".
	NARURLTemplate string
}

// New returns a cache [Server] for s rooted at dir.
func New(s store.DaemonStore, dir storepath.Dir) *Server {
	return &Server{
		Store:          s,
		Dir:            dir,
		Priority:       30,
		NARURLTemplate: "nar/{hash}.nar",
	}
}

// Handler wraps the server with the access-logging and
// compression-negotiation middleware substituters expect from an HTTP
// binary cache.
func (srv *Server) Handler() http.Handler {
	return handlers.CompressHandler(handlers.LoggingHandler(logWriter{}, http.HandlerFunc(srv.serveHTTP)))
}

func (srv *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.Handle("/nix-cache-info", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.nixCacheInfo),
		http.MethodHead: http.HandlerFunc(srv.nixCacheInfo),
	})
	mux.Handle("/{hashpart}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.narinfo),
		http.MethodHead: http.HandlerFunc(srv.narinfo),
	})
	mux.Handle("/nar/{hashpart}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.nar),
		http.MethodHead: http.HandlerFunc(srv.nar),
	})
	mux.ServeHTTP(w, r)
}

func (srv *Server) nixCacheInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/x-nix-cache-info")
	fmt.Fprintf(w, "StoreDir: %s\nWantMassQuery: 1\nPriority: %d\n", srv.Dir, srv.Priority)
}

func (srv *Server) narinfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hashPart := strings.TrimSuffix(r.PathValue("hashpart"), ".narinfo")

	path, err := srv.Store.QueryPathFromHashPart(ctx, hashPart).Drain(ctx)
	if err != nil {
		srv.serveError(w, r, err)
		return
	}
	if path == "" {
		http.NotFound(w, r)
		return
	}

	info, err := srv.Store.QueryPathInfo(ctx, path).Drain(ctx)
	if err != nil {
		srv.serveError(w, r, err)
		return
	}
	if info == nil {
		http.NotFound(w, r)
		return
	}

	url, err := uritemplate.Expand(srv.NARURLTemplate, map[string]string{"hash": path.Digest()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ni := &narinfo.Info{
		StorePath:   info.Path,
		URL:         url,
		Compression: narinfo.NoCompression,
		FileHash:    info.NARHash,
		FileSize:    info.NARSize,
		NARHash:     info.NARHash,
		NARSize:     info.NARSize,
		References:  info.References,
		Deriver:     info.Deriver,
		CA:          info.CA,
	}
	for _, sig := range info.Sigs {
		sig, err := narinfo.ParseSignature(sig)
		if err != nil {
			continue
		}
		ni.Sig = append(ni.Sig, sig)
	}

	text, err := ni.MarshalText()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	w.Write(text)
}

func (srv *Server) nar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hashPart := strings.TrimSuffix(r.PathValue("hashpart"), ".nar")

	path, err := srv.Store.QueryPathFromHashPart(ctx, hashPart).Drain(ctx)
	if err != nil {
		srv.serveError(w, r, err)
		return
	}
	if path == "" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/x-nix-archive")
	if _, err := srv.Store.NarFromPath(ctx, path, w).Drain(ctx); err != nil {
		log.Errorf(ctx, "cache: nar %s: %v", path, err)
	}
}

func (srv *Server) serveError(w http.ResponseWriter, r *http.Request, err error) {
	log.Errorf(r.Context(), "cache: %v", err)
	if errors.Is(err, context.Canceled) {
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// logWriter adapts [zombiezen.com/go/log] as the access-log sink
// [handlers.LoggingHandler] writes Apache Common Log Format lines to.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Infof(context.Background(), "%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
