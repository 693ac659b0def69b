package session

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestReferencePointRegistration(t *testing.T) {
	m := NewReferencePointMap()
	point := NewMemReferencePoint("p")
	other := NewMemReferencePoint("q")
	id := NewId()
	otherId := NewId()

	err := m.AddReferencePoint(id, point, false)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, m.Size())
	assert.Equal(t, true, m.IsCompletelyShared(point))
	assert.Equal(t, false, m.IsPartiallyShared(point))

	resolved, ok := m.Point(id)
	assert.Equal(t, true, ok)
	assert.Equal(t, point, resolved)
	resolvedId, ok := m.Id(point)
	assert.Equal(t, true, ok)
	assert.Equal(t, id, resolvedId)

	// the id mapping is a bijection
	err = m.AddReferencePoint(id, other, false)
	assert.NotEqual(t, nil, err)
	err = m.AddReferencePoint(otherId, point, false)
	assert.NotEqual(t, nil, err)

	// re-adding at the same sharing level is rejected
	err = m.AddReferencePoint(id, point, false)
	assert.NotEqual(t, nil, err)
	// downgrade complete -> partial is rejected
	err = m.AddReferencePoint(id, point, true)
	assert.NotEqual(t, nil, err)
}

func TestReferencePointUpgrade(t *testing.T) {
	m := NewReferencePointMap()
	point := NewMemReferencePoint("p")
	id := NewId()

	err := m.AddReferencePoint(id, point, true)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, m.IsPartiallyShared(point))

	m.AddResources(point, []string{"/a.txt"})
	assert.Equal(t, true, m.IsPathShared(point, "/a.txt"))

	// partial -> partial is rejected
	err = m.AddReferencePoint(id, point, true)
	assert.NotEqual(t, nil, err)

	// upgrade keeps the id and discards the explicit set
	err = m.AddReferencePoint(id, point, false)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, m.IsCompletelyShared(point))
	assert.Equal(t, false, m.IsPartiallyShared(point))
	resolvedId, ok := m.Id(point)
	assert.Equal(t, true, ok)
	assert.Equal(t, id, resolvedId)

	mapping := m.ReferencePointResourceMapping()
	paths, ok := mapping[point]
	assert.Equal(t, true, ok)
	if paths != nil {
		t.Fatalf("completely shared point must map to nil, got %v", paths)
	}
}

func TestReferencePointRemove(t *testing.T) {
	m := NewReferencePointMap()
	point := NewMemReferencePoint("p")
	id := NewId()

	// unknown remove is a logged no-op
	m.RemoveReferencePoint(id)

	assert.Equal(t, nil, m.AddReferencePoint(id, point, false))
	m.RemoveReferencePoint(id)
	assert.Equal(t, 0, m.Size())
	_, ok := m.Point(id)
	assert.Equal(t, false, ok)
}

func TestPartialResourceRoundTrip(t *testing.T) {
	m := NewReferencePointMap()
	point := NewMemReferencePoint("p")
	assert.Equal(t, nil, m.AddReferencePoint(NewId(), point, true))

	m.AddResources(point, []string{"/a", "/b"})
	m.RemoveResources(point, []string{"/a"})
	assert.Equal(t, false, m.IsPathShared(point, "/a"))
	assert.Equal(t, true, m.IsPathShared(point, "/b"))

	m.RemoveAndAddResources(point, []string{"/b"}, []string{"/c"})
	assert.Equal(t, false, m.IsPathShared(point, "/b"))
	assert.Equal(t, true, m.IsPathShared(point, "/c"))

	mapping := m.ReferencePointResourceMapping()
	assert.Equal(t, []string{"/c"}, mapping[point])

	resources := m.PartiallySharedResources()
	assert.Equal(t, 1, len(resources))
	assert.Equal(t, "/c", resources[0].RelativePath())
}

// resource mutation on unknown or completely shared points logs and no-ops
func TestResourceMutationBestEffort(t *testing.T) {
	m := NewReferencePointMap()
	unknown := NewMemReferencePoint("unknown")
	complete := NewMemReferencePoint("complete")
	assert.Equal(t, nil, m.AddReferencePoint(NewId(), complete, false))

	m.AddResources(unknown, []string{"/a"})
	m.AddResources(complete, []string{"/a"})
	m.RemoveResources(unknown, []string{"/a"})
	m.RemoveAndAddResources(complete, []string{"/a"}, []string{"/b"})

	assert.Equal(t, false, m.IsPartiallyShared(unknown))
	assert.Equal(t, true, m.IsCompletelyShared(complete))
}

func TestIsSharedSemantics(t *testing.T) {
	m := NewReferencePointMap()
	complete := NewMemReferencePoint("complete")
	partial := NewMemReferencePoint("partial")
	assert.Equal(t, nil, m.AddReferencePoint(NewId(), complete, false))
	assert.Equal(t, nil, m.AddReferencePoint(NewId(), partial, true))

	complete.AddFile("/a.txt")
	complete.AddFile("/build/out.bin")
	complete.MarkDerived("/build/out.bin")

	// completely shared: everything except derived resources
	assert.Equal(t, true, m.IsShared(complete.Resource("/a.txt")))
	assert.Equal(t, false, m.IsShared(complete.Resource("/build/out.bin")))

	// partially shared: only the explicit set
	partial.AddFile("/a.txt")
	assert.Equal(t, false, m.IsShared(partial.Resource("/a.txt")))
	m.AddResources(partial, []string{"/a.txt"})
	assert.Equal(t, true, m.IsShared(partial.Resource("/a.txt")))

	// unregistered reference point
	unregistered := NewMemReferencePoint("x")
	unregistered.AddFile("/a.txt")
	assert.Equal(t, false, m.IsShared(unregistered.Resource("/a.txt")))
}

func TestUserReferencePointKnowledge(t *testing.T) {
	m := NewReferencePointMap()
	point := NewMemReferencePoint("p")
	late := NewMemReferencePoint("late")
	user := NewUser("alice@example.com/editor", false, false, PermissionReadOnly)

	assert.Equal(t, nil, m.AddReferencePoint(NewId(), point, false))
	assert.Equal(t, false, m.UserHasReferencePoint(user, point))

	m.AddMissingReferencePointsToUser(user)
	assert.Equal(t, true, m.UserHasReferencePoint(user, point))

	// a point registered afterwards is not known until the next sync
	assert.Equal(t, nil, m.AddReferencePoint(NewId(), late, false))
	assert.Equal(t, false, m.UserHasReferencePoint(user, late))
	m.AddMissingReferencePointsToUser(user)
	assert.Equal(t, true, m.UserHasReferencePoint(user, late))

	m.UserLeft(user)
	assert.Equal(t, false, m.UserHasReferencePoint(user, point))
}
