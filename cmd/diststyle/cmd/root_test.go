package cmd

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/janpfeifer/diststyle/internal/runlog"
	"github.com/janpfeifer/diststyle/styletransfer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	rootCmd := NewRootCommand()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeTestImage(t *testing.T, filePath string, size int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			img.Set(x, y, color.NRGBA{R: uint8(8 * x), G: uint8(8 * y), B: 128, A: 255})
		}
	}
	require.NoError(t, imaging.Save(img, filePath))
}

func TestRootCommandHelp(t *testing.T) {
	output, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, output, "Available Commands:")
	assert.Contains(t, output, "sweep")
	assert.Contains(t, output, "transfer")
}

func TestInitConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	configFile := filepath.Join(t.TempDir(), "conf.yaml")
	output, err := execute(t, "init-config", configFile)
	require.NoError(t, err)
	assert.Contains(t, output, configFile)
	_, err = os.Stat(configFile)
	assert.NoError(t, err)
}

func TestConfigErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "sweep")
	require.Error(t, err, "missing style image")
	assert.True(t, errors.Is(err, styletransfer.ErrConfig))

	_, err = execute(t, "sweep", "--style-image=style.png", "--losses=m1,m9")
	require.Error(t, err)
	assert.True(t, errors.Is(err, styletransfer.ErrConfig))

	_, err = execute(t, "transfer", "--style-image=style.png", "--loss=m9")
	require.Error(t, err)
	assert.True(t, errors.Is(err, styletransfer.ErrConfig))

	_, err = execute(t, "transfer", "--style-image=style.png", "--architecture=nasnet")
	require.Error(t, err)
	assert.True(t, errors.Is(err, styletransfer.ErrConfig))
}

func TestSweep(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	stylePath := filepath.Join(dir, "style.png")
	writeTestImage(t, stylePath, 24)
	outputDir := filepath.Join(dir, "out")

	_, err := execute(t, "sweep",
		"--style-image="+stylePath,
		"--imsize=16",
		"--architecture=fast",
		"--losses=m1,wass",
		"--train-steps=2",
		"--output-dir="+outputDir)
	require.NoError(t, err)

	for _, lossName := range []string{"m1", "wass"} {
		for _, filePath := range []string{
			runlog.LogsPath(outputDir, lossName),
			runlog.RawMetricsPath(outputDir, lossName),
			runlog.SummaryPath(outputDir, lossName),
			filepath.Join(outputDir, lossName, lossName+"_gen.jpg"),
			filepath.Join(outputDir, lossName, "style.jpg"),
			filepath.Join(outputDir, lossName, "content.jpg"),
		} {
			_, err := os.Stat(filePath)
			assert.NoError(t, err, filePath)
		}
		summary, err := runlog.ReadSummary(runlog.SummaryPath(outputDir, lossName))
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Steps)
		assert.Equal(t, "content.jpg", summary.Content)
	}
}
