package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"backd/internal/config"
	"backd/internal/errors"
	"backd/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixturePath = "../protocols/compound/testdata/compound-dummy-events.jsonl"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestLoadEvents_Fixture(t *testing.T) {
	events, err := LoadEvents(fixturePath, quietLogger())
	require.NoError(t, err)
	require.NotEmpty(t, events)

	first := events[0]
	assert.Equal(t, "NewComptroller", first.Name)
	assert.Equal(t, "0x1a3b", first.Address)
	assert.Equal(t, int64(123), first.BlockNumber)
	assert.Equal(t, int64(9), first.TransactionIndex)
	assert.Equal(t, int64(1), first.LogIndex)
	assert.Equal(t, int64(1588001845), first.Timestamp)
}

func TestFileSource_SkipsBlankLines(t *testing.T) {
	input := strings.Join([]string{
		`{"event": "Mint", "address": "0xA1", "blockNumber": 1, "transactionIndex": 0, "logIndex": 0, "returnValues": {"mintAmount": "10"}}`,
		``,
		`   `,
		`{"event": "Borrow", "address": "0xa1", "blockNumber": 2, "transactionIndex": 0, "logIndex": 0, "returnValues": {}}`,
	}, "\n")
	src := NewReaderSource(strings.NewReader(input), quietLogger())

	events, err := ReadAll(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Mint", events[0].Name)
	assert.Equal(t, "0xa1", events[0].Address)
	assert.Equal(t, "Borrow", events[1].Name)
	assert.Equal(t, 4, src.Line())

	_, err = src.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestFileSource_DecodeErrorCarriesLine(t *testing.T) {
	input := `{"event": "Mint", "address": "0xa1", "blockNumber": 1, "transactionIndex": 0, "logIndex": 0}
{"event": "Mint", "address": "0xa1", "transactionIndex": 0, "logIndex": 1}`
	src := NewReaderSource(strings.NewReader(input), quietLogger())

	_, err := src.Next(context.Background())
	require.NoError(t, err)

	_, err = src.Next(context.Background())
	require.Error(t, err)
	replayErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrDecodeFailed.Code, replayErr.Code)
	assert.Equal(t, 2, replayErr.Context["line"])
	assert.Contains(t, err.Error(), "blockNumber")
}

func TestFileSource_MissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "missing.jsonl"), quietLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSourceFailed)
}

func TestFileSource_CancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"event": "Mint", "address": "0xa1", "blockNumber": 1, "transactionIndex": 0, "logIndex": 0}`+"\n"), 0o644))

	src, err := NewFileSource(path, quietLogger())
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSliceSource(t *testing.T) {
	events := []*models.Event{
		{Name: "Mint", BlockNumber: 1},
		{Name: "Redeem", BlockNumber: 2},
	}
	src := NewSliceSource(events)

	got, err := ReadAll(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, events, got)
	assert.NoError(t, src.Close())
}

func TestNewFromConfig(t *testing.T) {
	src, err := NewFromConfig(context.Background(), &config.SourceConfig{Type: config.SourceFile, Path: fixturePath}, nil, nil, quietLogger())
	require.NoError(t, err)
	defer src.Close()
	assert.IsType(t, &FileSource{}, src)

	_, err = NewFromConfig(context.Background(), &config.SourceConfig{Type: "kafka"}, nil, nil, quietLogger())
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)

	_, err = NewFromConfig(context.Background(), &config.SourceConfig{Type: config.SourceRPC}, nil, nil, quietLogger())
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)
}
