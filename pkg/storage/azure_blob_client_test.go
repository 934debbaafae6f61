package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const azuriteConnectionString = "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;" +
	"AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;" +
	"BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;"

func TestNewAzureBlobClient(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name             string
		connectionString string
		containerName    string
		logger           *zap.Logger
		errContains      string
	}{
		{
			name:             "empty connection string",
			connectionString: "",
			containerName:    "traces",
			logger:           logger,
			errContains:      "connection string is required",
		},
		{
			name:             "empty container name",
			connectionString: azuriteConnectionString,
			containerName:    "",
			logger:           logger,
			errContains:      "container name is required",
		},
		{
			name:             "nil logger",
			connectionString: azuriteConnectionString,
			containerName:    "traces",
			errContains:      "logger is required",
		},
		{
			name:             "missing account key",
			connectionString: "AccountName=test;BlobEndpoint=http://127.0.0.1:10000/test",
			containerName:    "traces",
			logger:           logger,
			errContains:      "account name and key are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewAzureBlobClient(tt.connectionString, tt.containerName, tt.logger)
			require.Error(t, err)
			assert.Nil(t, client)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestNewAzureBlobClient_Azurite(t *testing.T) {
	client, err := NewAzureBlobClient(azuriteConnectionString, "traces", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1/traces/events/t.jsonl", client.URL("events/t.jsonl"))
}

func TestParseConnectionString(t *testing.T) {
	params := parseConnectionString(" AccountName=acct ; AccountKey=a2V5==;;junk;BlobEndpoint=http://host/acct ")

	assert.Equal(t, "acct", params["AccountName"])
	assert.Equal(t, "a2V5==", params["AccountKey"], "values may contain '='")
	assert.Equal(t, "http://host/acct", params["BlobEndpoint"])
	assert.NotContains(t, params, "junk")
}

func TestAzureBlobClient_RoundTrip(t *testing.T) {
	client, err := NewAzureBlobClient(azuriteConnectionString, "colony-test", zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	if err := client.AppendLine(ctx, "probe.jsonl", []byte(`{"ok":true}`)); err != nil {
		t.Skipf("Azurite not available: %v", err)
	}

	data, err := client.Read(ctx, "probe.jsonl")
	require.NoError(t, err)
	assert.Contains(t, string(data), `{"ok":true}`+"\n")

	_, err = client.Read(ctx, "missing.jsonl")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}
