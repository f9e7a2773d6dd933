package dbapi

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/shlex"

	"github.com/ppphp/emergo/pkg/util"
)

// MergeRequest describes one package to materialize before it is merged.
type MergeRequest struct {
	Cpv string
	// Source is the ebuild path or the binary package file.
	Source   string
	Metadata map[string]string
}

// Executor builds or unpacks a package into a staging image. imageDir
// receives the file tree, infoDir the metadata files recorded in the
// package database.
type Executor interface {
	Prepare(ctx context.Context, req *MergeRequest, imageDir, infoDir string) error
}

// writeInfo stores each metadata value as one file in infoDir.
func writeInfo(infoDir string, md map[string]string) error {
	if _, err := util.EnsureDirs(infoDir, 0755); err != nil {
		return err
	}
	for k, v := range md {
		if k == "" || strings.ContainsAny(k, "/\x00") || strings.HasPrefix(k, "_") {
			continue
		}
		if err := os.WriteFile(filepath.Join(infoDir, k), []byte(v+"\n"), 0644); err != nil {
			return err
		}
	}
	return nil
}

// ImageExecutor copies an already built image from ImageRoot/<cpv>.
type ImageExecutor struct {
	ImageRoot string
}

func (e *ImageExecutor) Prepare(ctx context.Context, req *MergeRequest, imageDir, infoDir string) error {
	src := filepath.Join(e.ImageRoot, req.Cpv)
	if st, err := os.Stat(src); err != nil || !st.IsDir() {
		return fmt.Errorf("no image for %s under %s", req.Cpv, e.ImageRoot)
	}
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, _ := filepath.Rel(src, path)
		dest := filepath.Join(imageDir, rel)
		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			return os.MkdirAll(dest, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(target, dest)
		case info.Mode().IsRegular():
			b, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if err := os.WriteFile(dest, b, info.Mode().Perm()); err != nil {
				return err
			}
			return os.Chtimes(dest, info.ModTime(), info.ModTime())
		}
		return nil
	})
	if err != nil {
		return err
	}
	return writeInfo(infoDir, req.Metadata)
}

// CommandExecutor runs an external builder. Command is split like a shell
// word list; the placeholders {cpv}, {source}, {image} and {info} are
// substituted in every word.
type CommandExecutor struct {
	Command string
	Env     []string
}

func (e *CommandExecutor) Prepare(ctx context.Context, req *MergeRequest, imageDir, infoDir string) error {
	words, err := shlex.Split(e.Command)
	if err != nil {
		return fmt.Errorf("executor command: %w", err)
	}
	if len(words) == 0 {
		return fmt.Errorf("executor command is empty")
	}
	r := strings.NewReplacer("{cpv}", req.Cpv, "{source}", req.Source, "{image}", imageDir, "{info}", infoDir)
	for i, w := range words {
		words[i] = r.Replace(w)
	}
	if err := writeInfo(infoDir, req.Metadata); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, words[0], words[1:]...)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env, "CATEGORY="+strings.SplitN(req.Cpv, "/", 2)[0], "D="+imageDir, "PORTAGE_BUILDDIR_INFO="+infoDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", words[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
