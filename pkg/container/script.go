package container

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RunScript uploads the step's commands as a shell script and executes it,
// returning the script's exit code. Output is streamed to the runner's
// configured writer. An empty script is a successful no-op.
func (r *Runner) RunScript(ctx context.Context, script []string, env map[string]string) (int, error) {
	body := joinScript(script)
	if body == "" {
		return 0, nil
	}

	wrapperPath, archive, err := prepareScripts(r.cfg.ScriptsDir(), body)
	if err != nil {
		return 0, err
	}

	if err := r.PutArchive(ctx, r.cfg.ScriptsDir(), bytes.NewReader(archive)); err != nil {
		return 0, errors.Wrap(err, "uploading scripts to container")
	}

	out := r.opts.Output
	if out == nil {
		out = os.Stdout
	}

	return r.exec(ctx, []string{"/bin/sh", wrapperPath}, envSlice(env), out)
}

func joinScript(script []string) string {
	var lines []string
	for _, line := range script {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// prepareScripts builds the sh and bash renditions of the script plus the
// wrapper that picks between them, and packs all three into a tar archive.
// The wrapper execs the body so the body's exit code is the exec's.
func prepareScripts(scriptsDir, body string) (string, []byte, error) {
	traced := addTraces(body)
	token := uuid.New().String()

	shName := fmt.Sprintf("shell_script-%s.sh", token)
	bashName := fmt.Sprintf("bash_script-%s.sh", token)
	wrapperName := fmt.Sprintf("wrapper_script-%s.sh", token)

	shScript := strings.Join([]string{"#! /bin/sh", "set -e", traced, ""}, "\n")
	bashScript := strings.Join([]string{"#! /bin/bash", "set -e", "set +H", traced, ""}, "\n")
	wrapper := strings.Join([]string{
		"#! /bin/sh",
		"if [ -f /bin/bash ]; then",
		fmt.Sprintf("    exec /bin/bash -i %s", path.Join(scriptsDir, bashName)),
		"else",
		fmt.Sprintf("    exec /bin/sh %s", path.Join(scriptsDir, shName)),
		"fi",
		"",
	}, "\n")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, file := range []struct {
		name, content string
	}{
		{shName, shScript},
		{bashName, bashScript},
		{wrapperName, wrapper},
	} {
		header := &tar.Header{Name: file.name, Mode: 0o644, Size: int64(len(file.content))}
		if err := tw.WriteHeader(header); err != nil {
			return "", nil, errors.Wrap(err, "writing script archive")
		}
		if _, err := tw.Write([]byte(file.content)); err != nil {
			return "", nil, errors.Wrap(err, "writing script archive")
		}
	}
	if err := tw.Close(); err != nil {
		return "", nil, errors.Wrap(err, "writing script archive")
	}

	return path.Join(scriptsDir, wrapperName), buf.Bytes(), nil
}

// addTraces prefixes every command with a printf echoing it, so the step
// output shows which command produced what.
func addTraces(body string) string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, traceFor(line), line)
	}
	return strings.Join(out, "\n")
}

func traceFor(line string) string {
	quoted := strings.ReplaceAll(line, "'", `'\''`)
	return fmt.Sprintf("printf '+ %%s\\n' '%s'", quoted)
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
