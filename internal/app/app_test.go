package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxguard/internal/config"
)

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	cfg := &config.Config{DatabaseURL: "postgres://localhost/rx", JWTSecret: "short"}
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestConnect_RequiresDatabaseURL(t *testing.T) {
	_, err := Connect(context.Background(), &config.Config{}, nil)
	assert.EqualError(t, err, "DATABASE_URL is required")
}

func TestClose_ReverseOrder(t *testing.T) {
	var order []int
	a := &App{}
	a.closers = append(a.closers, func() { order = append(order, 1) }, func() { order = append(order, 2) })
	a.Close()
	a.Close()
	assert.Equal(t, []int{2, 1}, order)
}
