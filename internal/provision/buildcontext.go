package provision

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/shinji-kodama/app-provisioner/internal/source"
)

// contextModTime is stamped on every context entry so identical inputs
// produce byte-identical contexts.
var contextModTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// WriteContext writes the build context for req to w as a tar stream:
// the Dockerfile, the rendered manifest and the application tree under
// app/.
func WriteContext(w io.Writer, req *Request, dockerfile []byte) error {
	tw := tar.NewWriter(w)

	if err := writeContextFile(tw, contextDockerfile, dockerfile); err != nil {
		return err
	}
	if err := writeContextFile(tw, contextRequirements, req.Manifest.Render()); err != nil {
		return err
	}
	if err := writeContextDir(tw, contextSourceDir, 0o755); err != nil {
		return err
	}

	err := req.Tree.Walk(func(e source.Entry, abs string) error {
		name := path.Join(contextSourceDir, e.Path)
		if e.IsDir() {
			return writeContextDir(tw, name, e.Mode.Perm())
		}
		return writeContextTreeFile(tw, name, abs, e)
	})
	if err != nil {
		return err
	}

	return tw.Close()
}

func writeContextFile(tw *tar.Writer, name string, data []byte) error {
	hdr := contextHeader(name, tar.TypeReg, 0o644)
	hdr.Size = int64(len(data))
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write %s to build context: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s to build context: %w", name, err)
	}
	return nil
}

func writeContextDir(tw *tar.Writer, name string, perm os.FileMode) error {
	if err := tw.WriteHeader(contextHeader(name+"/", tar.TypeDir, perm|0o700)); err != nil {
		return fmt.Errorf("failed to write %s to build context: %w", name, err)
	}
	return nil
}

func writeContextTreeFile(tw *tar.Writer, name, abs string, e source.Entry) error {
	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", abs, err)
	}
	defer func() { _ = f.Close() }()

	hdr := contextHeader(name, tar.TypeReg, e.Mode.Perm())
	hdr.Size = e.Size
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write %s to build context: %w", name, err)
	}
	// A file that changed size since the walk fails here rather than
	// producing a corrupt archive.
	if _, err := io.CopyN(tw, f, e.Size); err != nil {
		return fmt.Errorf("failed to copy %s into build context: %w", abs, err)
	}
	return nil
}

func contextHeader(name string, typ byte, perm os.FileMode) *tar.Header {
	return &tar.Header{
		Name:     name,
		Typeflag: typ,
		Mode:     int64(perm),
		ModTime:  contextModTime,
		Format:   tar.FormatPAX,
	}
}
