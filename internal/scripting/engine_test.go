package scripting

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rifthaven/server/internal/replica"
	"github.com/rifthaven/server/internal/schema"
)

const engineSchema = `
messages:
  - name: Bar
    fields:
      - { name: fill, number: 1, type: f64 }
components:
  - name: Meter
    fields:
      - { name: charge, number: 1, type: f64 }
      - { name: label,  number: 2, type: string }
      - { name: inner,  number: 3, type: Bar }
      - { name: marks,  number: 4, type: map, key: string, value: Bar }
`

func engineFixture(t *testing.T, script string) (*Engine, *replica.Tracked) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logic.lua"), []byte(script), 0o644))

	e, err := NewEngine(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(e.Close)

	set, err := schema.Parse([]byte(engineSchema))
	require.NoError(t, err)
	comp := set.ByName("Meter")
	reg := replica.NewModified(4)
	slot, err := reg.Register(comp.TypeID)
	require.NoError(t, err)
	return e, replica.NewTracked(comp, reg, slot)
}

func TestRegisterSystem(t *testing.T) {
	e, _ := engineFixture(t, `
register_system("charge_up", "Meter", function(entity, c, dt) end)
register_system("decay", "Meter", function(entity, c, dt) end)
`)
	systems := e.Systems()
	require.Len(t, systems, 2)
	assert.Equal(t, "charge_up", systems[0].Name)
	assert.Equal(t, "Meter", systems[0].Component)
	assert.Equal(t, "decay", systems[1].Name)
}

func TestRunLogicMutatesThroughHandle(t *testing.T) {
	e, tr := engineFixture(t, `
register_system("tick", "Meter", function(entity, c, dt)
    c.set("charge", c.get("charge") + dt)
    c.set("label", "entity " .. entity)
    c.msg("inner").set("fill", 0.5)
end)
`)
	tr.Read().SetF64(1, 1.0)
	tr.Read().ClearMask()

	require.NoError(t, e.RunLogic(e.Systems()[0], 7, tr, 0.25))

	v := tr.Read()
	assert.InDelta(t, 1.25, v.F64(1), 1e-9)
	assert.Equal(t, "entity 7", v.String_(2))
	require.NotNil(t, v.Msg(3))
	assert.InDelta(t, 0.5, v.Msg(3).F64(1), 1e-9)
	assert.NotZero(t, v.Mask(), "script writes leave a pending delta")
}

func TestRunLogicCollections(t *testing.T) {
	e, tr := engineFixture(t, `
register_system("marks", "Meter", function(entity, c, dt)
    c.put("marks", "alpha").set("fill", 1.0)
    c.put("marks", "beta").set("fill", 2.0)
    c.remove("marks", "beta")
    for _, k in ipairs(c.keys("marks")) do
        c.put("marks", k).set("fill", 9.0)
    end
end)
`)
	require.NoError(t, e.RunLogic(e.Systems()[0], 1, tr, 0))

	v := tr.Read()
	assert.Equal(t, 1, v.EntryLen(4))
	alpha := v.Entry(4, replica.KeyString("alpha"))
	require.NotNil(t, alpha)
	assert.InDelta(t, 9.0, alpha.F64(1), 1e-9)
	assert.Nil(t, v.Entry(4, replica.KeyString("beta")))
}

func TestRunLogicScriptErrorIsContained(t *testing.T) {
	e, tr := engineFixture(t, `
register_system("bad", "Meter", function(entity, c, dt)
    c.get("no_such_field")
end)
`)
	err := e.RunLogic(e.Systems()[0], 1, tr, 0)
	assert.Error(t, err, "a raising script reports, not crashes")
}

func TestMissingScriptDir(t *testing.T) {
	e, err := NewEngine(filepath.Join(t.TempDir(), "absent"), zap.NewNop())
	require.NoError(t, err)
	defer e.Close()
	assert.Empty(t, e.Systems())
}
