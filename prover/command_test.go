//go:build unix

package prover

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bonsai "github.com/wolfeidau/bonsai-local"
)

func writeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "r0vm")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// fakeR0VM understands --version and the default argument template.
const fakeR0VM = `
if [ "$1" = "--version" ]; then echo "risc0-r0vm 1.2.4"; exit 0; fi
while [ $# -gt 0 ]; do
  case "$1" in
    --elf) elf="$2"; shift 2;;
    --initial-input) input="$2"; shift 2;;
    --receipt) receipt="$2"; shift 2;;
    *) shift;;
  esac
done
if [ -n "$BONSAI_EXECUTE_ONLY" ]; then echo "total_cycles=$BONSAI_CYCLE_LIMIT"; exit 0; fi
cat "$elf" "$input" > "$receipt"
echo "proving done segments=3 total_cycles=4096"
echo "user_cycles=4000" >&2
`

func TestCommandVersion(t *testing.T) {
	c := NewCommand(CommandConfig{Path: writeTool(t, fakeR0VM)})
	v, err := c.Version(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.2.4", v)
}

func TestCommandVersionUnparseable(t *testing.T) {
	c := NewCommand(CommandConfig{Path: writeTool(t, `echo "no version here"`)})
	_, err := c.Version(context.Background())
	require.Error(t, err)
}

func TestCommandProve(t *testing.T) {
	c := NewCommand(CommandConfig{Path: writeTool(t, fakeR0VM), WorkDir: t.TempDir()})

	res, err := c.Prove(context.Background(), &Request{SessionID: "s1", Image: []byte("elf-"), Input: []byte("input")})
	require.NoError(t, err)
	require.Equal(t, "elf-input", string(res.Receipt))
	require.Equal(t, bonsai.Stats{Segments: 3, TotalCycles: 4096, UserCycles: 4000}, res.Stats)
}

func TestCommandExecuteOnly(t *testing.T) {
	c := NewCommand(CommandConfig{Path: writeTool(t, fakeR0VM)})

	res, err := c.Prove(context.Background(), &Request{SessionID: "s1", ExecuteOnly: true, CycleLimit: 77})
	require.NoError(t, err)
	require.Empty(t, res.Receipt)
	require.EqualValues(t, 77, res.Stats.TotalCycles)
}

func TestCommandMissingReceipt(t *testing.T) {
	c := NewCommand(CommandConfig{Path: writeTool(t, `exit 0`)})
	_, err := c.Prove(context.Background(), &Request{SessionID: "s1"})
	require.ErrorContains(t, err, "without writing a receipt")
}

func TestCommandFailureIncludesStderr(t *testing.T) {
	c := NewCommand(CommandConfig{Path: writeTool(t, `echo "loading"; echo "guest exited with code 1" >&2; exit 2`)})
	_, err := c.Prove(context.Background(), &Request{SessionID: "s1"})
	require.ErrorContains(t, err, "exit status 2")
	require.ErrorContains(t, err, "guest exited with code 1")
}

func TestCommandAssumptionsAndTemplate(t *testing.T) {
	// echo the arguments into the receipt
	tool := writeTool(t, `out="$1"; shift; echo "$@" > "$out"`)
	c := NewCommand(CommandConfig{Path: tool, Args: []string{ArgReceipt, "--session=" + ArgSession, ArgAssumptions}})

	res, err := c.Prove(context.Background(), &Request{
		SessionID:   "abc",
		Assumptions: [][]byte{[]byte("a"), []byte("b")},
	})
	require.NoError(t, err)
	require.Regexp(t, `^--session=abc \S+/assumption-0\.bin \S+/assumption-1\.bin\n$`, string(res.Receipt))
}

func TestCommandCancelled(t *testing.T) {
	c := NewCommand(CommandConfig{Path: writeTool(t, `sleep 5`)})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Prove(ctx, &Request{SessionID: "s1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandCleansUpWorkDir(t *testing.T) {
	work := t.TempDir()
	c := NewCommand(CommandConfig{Path: writeTool(t, fakeR0VM), WorkDir: work})
	_, err := c.Prove(context.Background(), &Request{SessionID: "s1", Image: []byte("e"), Input: []byte("i")})
	require.NoError(t, err)

	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestParseStats(t *testing.T) {
	stats := parseStats([]byte("segments=2, total_cycles=100\nnoise user_cycles=x"), []byte("user_cycles=90;"))
	require.Equal(t, bonsai.Stats{Segments: 2, TotalCycles: 100, UserCycles: 90}, stats)
}
