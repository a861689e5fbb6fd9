package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sitestock/sitestock/internal/app"
	_ "github.com/sitestock/sitestock/internal/testing/guard"
)

func TestMainSkipsRuntimeInTestMode(t *testing.T) {
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}
