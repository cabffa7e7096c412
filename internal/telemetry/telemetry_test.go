package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRegistersInstruments(t *testing.T) {
	tel, err := New()
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.TxCommitted)
	require.NotNil(t, tel.QueryLatency)
}

func TestStartOperatorSpanNilSafe(t *testing.T) {
	var tel *Telemetry
	_, end := tel.StartOperatorSpan(context.Background(), "LabelScan", ":Person")
	end(3, nil)
	end(0, errors.New("boom"))
}

func TestStartOperatorSpanRecordsRows(t *testing.T) {
	tel, err := New()
	require.NoError(t, err)
	ctx, end := tel.StartOperatorSpan(context.Background(), "Expand", "->")
	require.NotNil(t, ctx)
	end(5, nil)
}
