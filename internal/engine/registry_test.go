package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	id        string
	available error
}

func (s *stubEngine) Metadata() Metadata { return Metadata{ID: s.id, Kind: KindNoop} }
func (s *stubEngine) Plan(_ context.Context, _ Request) (*Result, error) {
	return &Result{Success: true, EngineID: s.id}, nil
}
func (s *stubEngine) Execute(_ context.Context, _ Request) (*Result, error) {
	return &Result{Success: true, EngineID: s.id}, nil
}
func (s *stubEngine) QA(_ context.Context, _ Request) (*Result, error) {
	return &Result{Success: true, EngineID: s.id}, nil
}
func (s *stubEngine) CheckAvailability(_ context.Context) error { return s.available }

func TestRegistryEmptyHasNoDefault(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.GetDefault()
	assert.ErrorIs(t, err, ErrNoDefaultEngine)

	_, err = reg.GetOrDefault("")
	assert.ErrorIs(t, err, ErrNoDefaultEngine)
}

func TestRegistryFirstRegistrationBecomesDefault(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubEngine{id: "a"}))
	require.NoError(t, reg.Register(&stubEngine{id: "b"}))

	def, err := reg.GetDefault()
	require.NoError(t, err)
	assert.Equal(t, "a", def.Metadata().ID)
}

func TestRegistryAsDefaultOverrides(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubEngine{id: "a"}))
	require.NoError(t, reg.Register(&stubEngine{id: "b"}, AsDefault()))

	assert.Equal(t, "b", reg.DefaultID())
}

func TestRegistryDuplicateRequiresReplace(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubEngine{id: "a"}))

	err := reg.Register(&stubEngine{id: "a"})
	assert.ErrorIs(t, err, ErrDuplicateEngine)

	assert.NoError(t, reg.Register(&stubEngine{id: "a"}, WithReplace()))
}

func TestRegistryGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubEngine{id: "a"}))

	e, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", e.Metadata().ID)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrEngineNotFound)

	e, err = reg.GetOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, "a", e.Metadata().ID)
}

func TestRegistrySetDefault(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubEngine{id: "a"}))
	require.NoError(t, reg.Register(&stubEngine{id: "b"}))

	require.NoError(t, reg.SetDefault("b"))
	assert.Equal(t, "b", reg.DefaultID())

	assert.ErrorIs(t, reg.SetDefault("missing"), ErrEngineNotFound)
}

func TestRegistryListMetadataSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubEngine{id: "zeta"}))
	require.NoError(t, reg.Register(&stubEngine{id: "alpha"}))

	metas := reg.ListMetadata()
	require.Len(t, metas, 2)
	assert.Equal(t, "alpha", metas[0].ID)
	assert.Equal(t, "zeta", metas[1].ID)
}

func TestRegistryCheckAllAvailable(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubEngine{id: "ok"}))
	require.NoError(t, reg.Register(&stubEngine{id: "broken", available: assert.AnError}))

	results := reg.CheckAllAvailable(context.Background())
	require.Len(t, results, 2)
	assert.NoError(t, results["ok"])
	assert.ErrorIs(t, results["broken"], assert.AnError)
}
