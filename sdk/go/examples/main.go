package main

import (
	"archive/zip"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"ExtensionHost/internal/api"
	"ExtensionHost/internal/config"
	"ExtensionHost/internal/host"
	"ExtensionHost/internal/sandbox"
	"ExtensionHost/sdk/go/exthost"
)

const demoConfig = `
secrets:
  master_key: demo-master-key-change-me
`

func main() {
	sandbox.MaybeRunWorker()
	dir := flag.String("package", filepath.Join("examples", "plugins", "crm-sync"), "plugin package directory")
	flag.Parse()

	archive, err := zipDir(*dir)
	if err != nil {
		panic(err)
	}

	cfg, err := config.Parse([]byte(demoConfig), ".")
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := host.New(ctx, cfg)
	if err != nil {
		panic(err)
	}
	defer func() {
		cancel()
		_ = h.Close()
	}()
	if err := h.Start(ctx); err != nil {
		panic(err)
	}

	srv := httptest.NewServer(api.NewServer(h).Handler())
	defer srv.Close()

	client, err := exthost.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetActor("sdk-demo")

	res, err := client.Install(ctx, "demo", archive)
	if err != nil {
		panic(err)
	}
	fmt.Printf("installed %s@%s (warnings=%v)\n", res.Installation.Slug, res.Installation.InstalledVersion, res.Warnings)

	slug := res.Installation.Slug
	if err := client.SetSecret(ctx, "demo", slug, "CRM_TOKEN", "demo-token"); err != nil {
		panic(err)
	}
	if _, err := client.Enable(ctx, "demo", slug); err != nil {
		panic(err)
	}

	list, err := client.List(ctx, "demo")
	if err != nil {
		panic(err)
	}
	for _, inst := range list {
		fmt.Printf("%s %s enabled=%t\n", inst.Slug, inst.InstalledVersion, inst.Enabled)
	}

	if _, err := client.RunJob(ctx, "demo", slug, "resync"); err != nil {
		fmt.Printf("resync failed: %v\n", err)
	}
}

// zipDir packs a package directory the way operators upload it: paths relative to dir.
func zipDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
