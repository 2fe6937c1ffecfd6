// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/store"
	"go.nixrs.dev/nixrs/storepath"
)

type fakeReporter struct {
	t *testing.T
}

func (r *fakeReporter) Errorf(format string, args ...any) {
	r.t.Errorf(format, args...)
}

func TestNixCacheInfo(t *testing.T) {
	m := store.NewMock(&fakeReporter{t: t})
	srv := New(m, "/nix/store")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/nix-cache-info")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	const want = "StoreDir: /nix/store\nWantMassQuery: 1\nPriority: 30\n"
	if string(body) != want {
		t.Errorf("GET /nix-cache-info = %q; want %q", body, want)
	}
}

func TestNarinfo(t *testing.T) {
	r := &fakeReporter{t: t}
	m := store.NewMock(r)
	path := storepath.Path("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1")
	narHash := nixhash.New(nixhash.SHA256, make([]byte, 32))
	hashPart := path.Digest()

	m.Expect("QueryPathFromHashPart", []any{hashPart}, nil, path, nil)
	m.Expect("QueryPathInfo", []any{path}, nil, &daemon.ValidPathInfo{
		Path:    path,
		NARHash: narHash,
		NARSize: 1234,
	}, nil)

	srv := New(m, "/nix/store")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/" + hashPart + ".narinfo")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET .narinfo status = %d; body = %s", resp.StatusCode, body)
	}
	if got := string(body); !strings.Contains(got, "StorePath: "+string(path)) {
		t.Errorf("narinfo body = %q; want it to mention %q", got, path)
	}
	if got := string(body); !strings.Contains(got, "URL: nar/"+hashPart+".nar") {
		t.Errorf("narinfo body = %q; want a nar URL built from the hash part", got)
	}
	m.Done()
}

func TestNarinfoNotFound(t *testing.T) {
	r := &fakeReporter{t: t}
	m := store.NewMock(r)
	m.Expect("QueryPathFromHashPart", []any{"missing"}, nil, storepath.Path(""), nil)

	srv := New(m, "/nix/store")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/missing.narinfo")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /missing.narinfo status = %d; want %d", resp.StatusCode, http.StatusNotFound)
	}
	m.Done()
}

func TestNar(t *testing.T) {
	r := &fakeReporter{t: t}
	m := store.NewMock(r)
	path := storepath.Path("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1")
	hashPart := path.Digest()
	narBytes := []byte("nix-archive-1pretend-contents")

	m.Expect("QueryPathFromHashPart", []any{hashPart}, nil, path, nil)
	m.Expect("NarFromPath", []any{path}, nil, narBytes, nil)

	srv := New(m, "/nix/store")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/nar/" + hashPart + ".nar")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != string(narBytes) {
		t.Errorf("GET nar body = %q; want %q", body, narBytes)
	}
	m.Done()
}
