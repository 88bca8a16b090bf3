package parts

import (
	"errors"
	"os/exec"

	"github.com/fifoflow/fifoflow/core"
	"github.com/fifoflow/fifoflow/pkg/fifo"
)

// ExecConfig configures a worker that pipes its stream through an
// external command: the input pipe feeds the command's stdin and the
// command's stdout feeds the output pipe. Stderr goes to the job log.
type ExecConfig struct {
	Input  fifo.Endpoint
	Output fifo.Endpoint
	Path   string
	Args   []string
}

// Exec returns the external-command job spec for cfg.
func Exec(cfg ExecConfig) core.JobSpec {
	return core.JobSpec{
		Name: "{workflow}.exec{n}",
		Func: execFilter,
		Endpoints: map[string]fifo.Endpoint{
			"input":  cfg.Input.Unmanaged().Binary(),
			"output": cfg.Output.Unmanaged().Binary(),
		},
		Scalars: map[string]any{"path": cfg.Path, "args": cfg.Args},
	}
}

func execFilter(t *core.Task) (any, error) {
	in, err := fifo.OpenPath(t.Path("input"), fifo.Reader, t.BufSize, t.Logger)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	out, err := fifo.OpenPath(t.Path("output"), fifo.Writer, t.BufSize, t.Logger)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	// checked only now, with both pipes open, so that a
	// misconfigured stage still propagates EOF to its peers
	if t.String("path") == "" {
		return nil, errors.New("needs path to the executable")
	}

	cmd := exec.Command(t.String("path"), t.Strings("args")...)
	cmd.Stdin = in
	cmd.Stdout = out
	return nil, runTool(t, cmd)
}
