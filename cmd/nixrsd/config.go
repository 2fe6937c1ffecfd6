// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
	"go.nixrs.dev/nixrs/storepath"
)

// globalConfig holds the settings that control how nixrsd serves the
// store. Fields can come from a config file, environment variables, or
// command-line flags, applied in that order so later sources win.
type globalConfig struct {
	Debug        bool   `json:"debug"`
	StoreDir     string `json:"storeDirectory"`
	Socket       string `json:"listen"`
	DatabasePath string `json:"database"`
	ObjectsDir   string `json:"objects"`
	TrustClients bool   `json:"trustClients"`

	// HTTPListen, when non-empty, is a TCP address ("host:port") to
	// additionally serve the store as an HTTP binary cache on,
	// alongside the Unix-socket daemon protocol listener.
	HTTPListen string `json:"httpListen"`
}

// defaultGlobalConfig returns the configuration used when nothing else
// overrides it: a store rooted at [storepath.DefaultDir] with its
// database and socket under the user's cache directory.
func defaultGlobalConfig() *globalConfig {
	stateDir := filepath.Join(cacheDir(), "nixrsd")
	return &globalConfig{
		StoreDir:     string(storepath.DefaultDir),
		Socket:       filepath.Join(stateDir, "daemon.sock"),
		DatabasePath: filepath.Join(stateDir, "db.sqlite"),
		ObjectsDir:   filepath.Join(stateDir, "objects"),
	}
}

func (g *globalConfig) mergeEnvironment() {
	if dir := os.Getenv("NIX_STORE_DIR"); dir != "" {
		g.StoreDir = dir
	}
	if sock := os.Getenv("NIX_DAEMON_SOCKET_PATH"); sock != "" {
		g.Socket = sock
	}
}

// mergeFiles reads each hujson (JSON-with-comments) config file in turn,
// merging its fields into g. Missing files are skipped; malformed ones
// are an error.
func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

func (g *globalConfig) validate() error {
	if !filepath.IsAbs(g.StoreDir) {
		return fmt.Errorf("store directory %q is not absolute", g.StoreDir)
	}
	if g.Socket == "" {
		return fmt.Errorf("listen socket path not set")
	}
	if g.DatabasePath == "" {
		return fmt.Errorf("database path not set")
	}
	return nil
}
