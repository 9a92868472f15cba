// Package git shells out to the git binary for the small surface shipline
// needs: annotated tags and tag discovery. Tagging is always best-effort for
// callers; a missing repo must never fail a release operation.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs git in Dir (or the working directory when empty).
type ExecRunner struct {
	Dir string
}

var _ Runner = ExecRunner{}

func (r ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if r.Dir != "" {
		cmd.Dir = r.Dir
	}
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		sub := "git"
		if len(args) > 0 {
			sub = "git " + args[0]
		}
		return out, fmt.Errorf("%s: %s: %w", sub, out, err)
	}
	return out, nil
}

// CreateTag creates an annotated tag.
func CreateTag(ctx context.Context, r Runner, name, message string) error {
	_, err := r.Run(ctx, "tag", "-a", name, "-m", message)
	return err
}

// LatestTag returns the most recent tag reachable from HEAD, or "0.0.0" when
// the repository has none.
func LatestTag(ctx context.Context, r Runner) string {
	out, err := r.Run(ctx, "describe", "--tags", "--abbrev=0")
	if err != nil || out == "" {
		return "0.0.0"
	}
	return out
}
