package supervisor

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"
)

// PluginFingerprint hashes the content of every requirements.txt under dir,
// in path order. A missing dir or an empty plugin set yields the hash of no
// content, which is stable across runs. The fingerprint is a dedup key, not
// a security boundary.
func PluginFingerprint(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == "requirements.txt" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("scan plugin dir: %w", err)
	}
	sort.Strings(files)

	sum := md5.New()
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", f, err)
		}
		sum.Write(b)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// ensurePrepared runs the prep command unless the current plugin fingerprint
// is already recorded as installed. The outcome is written back to the
// ledger either way; callers treat failures as non-fatal.
func (s *Supervisor) ensurePrepared(ctx context.Context) error {
	if len(s.cfg.PrepCommand) == 0 || s.cfg.PluginDir == "" {
		return nil
	}
	fp, err := PluginFingerprint(s.cfg.PluginDir)
	if err != nil {
		return err
	}
	if s.ledger != nil {
		installed, err := s.ledger.PrepInstalled(ctx, fp)
		if err != nil {
			s.logger.Warn("prep ledger lookup failed", "error", err)
		} else if installed {
			s.logger.Info("plugin dependencies unchanged, skipping prep", "fingerprint", fp)
			return nil
		}
	}

	s.logger.Info("installing plugin dependencies", "fingerprint", fp, "command", s.cfg.PrepCommand)
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.PrepTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, s.cfg.PrepCommand[0], s.cfg.PrepCommand[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if s.ledger != nil {
			// Record the failure even when ctx is already gone.
			bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.ledger.SetPrepInstalled(bg, fp, false)
			cancel()
		}
		return fmt.Errorf("prep command: %w: %s", err, bytes.TrimSpace(out))
	}
	if s.ledger != nil {
		if err := s.ledger.SetPrepInstalled(ctx, fp, true); err != nil {
			s.logger.Warn("prep ledger update failed", "error", err)
		}
	}
	s.logger.Info("plugin dependencies installed", "fingerprint", fp)
	return nil
}
