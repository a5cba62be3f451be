// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/scintlabs/scint/internal/fs"
	"github.com/scintlabs/scint/internal/gemspec"
)

// unpackGem extracts a packaged gem: an outer uncompressed tar holding
// metadata.gz (the serialized spec) and data.tar.gz (the file tree).
// The tree lands in dest and the parsed spec is returned.
func (p *Pipeline) unpackGem(ctx context.Context, gemPath, dest string) (*gemspec.Spec, error) {
	f, err := os.Open(gemPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", gemPath)
	}
	defer f.Close()

	var spec *gemspec.Spec
	sawData := false

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read gem archive %s", gemPath)
		}

		switch hdr.Name {
		case "metadata.gz":
			body, err := gunzipAll(tr)
			if err != nil {
				return nil, errors.Wrap(err, "gem metadata")
			}
			spec, err = gemspec.ParseMetadata(body)
			if err != nil {
				return nil, err
			}
		case "data.tar.gz":
			if err := p.extractData(ctx, tr, dest); err != nil {
				return nil, err
			}
			sawData = true
		default:
			// checksums.yaml.gz and friends; not needed.
		}
	}

	if spec == nil {
		return nil, errors.Errorf("gem %s carries no metadata", gemPath)
	}
	if !sawData {
		return nil, errors.Errorf("gem %s carries no data archive", gemPath)
	}
	return spec, nil
}

// extractData expands the inner data.tar.gz into dest, honoring the
// configured extractor policy. The system strategy spools the inner
// archive to disk and delegates to tar(1); the default stays in
// process for sandboxed builds.
func (p *Pipeline) extractData(ctx context.Context, r io.Reader, dest string) error {
	if p.TarStrategy == "system" {
		return p.extractWithSystemTar(ctx, r, dest)
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "gem data archive")
	}
	defer gz.Close()
	return untar(gz, dest)
}

func (p *Pipeline) extractWithSystemTar(ctx context.Context, r io.Reader, dest string) error {
	tmp, err := os.CreateTemp("", "scint-data-*.tar.gz")
	if err != nil {
		return errors.Wrap(err, "spool data archive")
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return errors.Wrap(err, "spool data archive")
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := fs.EnsureDir(dest); err != nil {
		return err
	}
	out, err := p.Runner.Run(ctx, dest, nil, "tar", "-xzf", tmp.Name())
	if err != nil {
		return errors.Errorf("system tar failed: %v\n%s", err, out)
	}
	return nil
}

// untar expands a tar stream into dest, rejecting entries that would
// escape it.
func untar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read data archive")
		}

		target, err := securePath(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fs.EnsureDir(target); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := fs.EnsureDir(filepath.Dir(target)); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return errors.Wrapf(err, "symlink %s", target)
			}
		case tar.TypeReg:
			if err := fs.EnsureDir(filepath.Dir(target)); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return errors.Wrapf(err, "create %s", target)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errors.Wrapf(err, "extract %s", target)
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// Hardlinks and devices do not appear in gem data
			// archives; skip anything exotic.
		}
	}
}

func securePath(dest, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", errors.Errorf("archive entry escapes destination: %q", name)
	}
	return filepath.Join(dest, cleaned), nil
}

func gunzipAll(r io.Reader) ([]byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
