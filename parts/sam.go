package parts

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/fifoflow/fifoflow/core"
	"github.com/fifoflow/fifoflow/pkg/fifo"
)

// BAMConfig configures the samtools shell-outs. The pipe endpoints
// are unmanaged: the job opens the pipe path itself and hands the
// open pipe to samtools as its stdout (reader) or stdin (writer).
type BAMConfig struct {
	Path    string        // BAM/SAM file, "-" for stdin/stdout
	Pipe    fifo.Endpoint // SAM-side pipe (writer for reader job, reader for writer job)
	Threads int
}

// BAMReader returns a source spec that decodes a BAM file to SAM text
// on the output pipe via `samtools view`.
func BAMReader(cfg BAMConfig) core.JobSpec {
	return core.JobSpec{
		Name: "{workflow}.bam_reader{n}",
		Func: bamReader,
		Endpoints: map[string]fifo.Endpoint{
			"output": cfg.Pipe.Unmanaged().Binary(),
		},
		Scalars: map[string]any{"path": cfg.Path, "threads": cfg.Threads},
	}
}

func bamReader(t *core.Task) (any, error) {
	out, err := fifo.OpenPath(t.Path("output"), fifo.Writer, t.BufSize, t.Logger)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	cmd := exec.Command("samtools", "view", "-Sh", "--no-PG",
		"--threads", strconv.Itoa(max(1, t.Int("threads"))), t.String("path"))
	cmd.Stdout = out
	return nil, runTool(t, cmd)
}

// BAMWriter returns a sink spec that encodes SAM text from the input
// pipe into a BAM file via `samtools view -b`.
func BAMWriter(cfg BAMConfig) core.JobSpec {
	return core.JobSpec{
		Name: "{workflow}.bam_writer{n}",
		Func: bamWriter,
		Endpoints: map[string]fifo.Endpoint{
			"input": cfg.Pipe.Unmanaged().Binary(),
		},
		Scalars: map[string]any{"path": cfg.Path, "threads": cfg.Threads},
	}
}

func bamWriter(t *core.Task) (any, error) {
	in, err := fifo.OpenPath(t.Path("input"), fifo.Reader, t.BufSize, t.Logger)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	cmd := exec.Command("samtools", "view", "-b",
		"--threads", strconv.Itoa(max(1, t.Int("threads"))),
		"-o", t.String("path"), "-")
	cmd.Stdin = in
	return nil, runTool(t, cmd)
}

// runTool runs an external command with its stderr forwarded to the
// job log, the teacher pattern for cooperating processes.
func runTool(t *core.Task, cmd *exec.Cmd) error {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	t.Info().Str("cmd", cmd.String()).Msg("running")
	if err := cmd.Start(); err != nil {
		return err
	}
	in := bufio.NewScanner(stderr)
	for in.Scan() {
		t.Info().Msg(in.Text())
	}
	return cmd.Wait()
}

// SAMHeaderConfig parameterizes a minimal synthesized SAM header.
type SAMHeaderConfig struct {
	Version  string // SAM spec version, default 1.6
	ReadGrp  string // RG ID, default A
	Sample   string // RG SM, default sample
	Program  string // PG PN/ID, default the process name
	CmdLine  string // PG CL, default the process command line
	ProgVers string // PG VN
}

// MakeSAMHeader renders a minimal @HD/@RG/@PG header block.
func MakeSAMHeader(cfg SAMHeaderConfig) string {
	if cfg.Version == "" {
		cfg.Version = "1.6"
	}
	if cfg.ReadGrp == "" {
		cfg.ReadGrp = "A"
	}
	if cfg.Sample == "" {
		cfg.Sample = "sample"
	}
	if cfg.Program == "" && len(os.Args) > 0 {
		cfg.Program = os.Args[0]
	}
	if cfg.CmdLine == "" {
		cfg.CmdLine = strings.Join(os.Args, " ")
	}
	return fmt.Sprintf("@HD\tVN:%s\n@RG\tID:%s\tSM:%s\n@PG\tPN:%s\tID:%s\tVN:%s\tCL:%s\n",
		cfg.Version, cfg.ReadGrp, cfg.Sample,
		cfg.Program, cfg.Program, cfg.ProgVers, cfg.CmdLine)
}
