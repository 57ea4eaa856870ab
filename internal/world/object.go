package world

import (
	"fmt"
	"slices"

	"github.com/hmcore/worldsim/internal/core/ecs"
	"github.com/hmcore/worldsim/internal/core/event"
	"github.com/hmcore/worldsim/internal/core/xform"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// GameObject is a node of the scene hierarchy. Pointers returned by the World
// stay valid until the next frame starts; keep the ID for longer.
type GameObject struct {
	id         ecs.ID
	name       string
	globalKey  string
	parent     ecs.ID
	children   []ecs.ID
	components []ComponentHandle
	tags       []string // sorted
	activeFlag bool
	active     bool
	dynamic    bool
	dead       bool
	deleting   bool // ObjectDeleted is being published
	transform  *TransformData
}

func (o *GameObject) ID() ecs.ID        { return o.id }
func (o *GameObject) Name() string      { return o.name }
func (o *GameObject) GlobalKey() string { return o.globalKey }
func (o *GameObject) Parent() ecs.ID    { return o.parent }

// IsEnabled reports the object's own active flag.
func (o *GameObject) IsEnabled() bool { return o.activeFlag }

// IsActive reports the derived state: enabled and every ancestor active.
func (o *GameObject) IsActive() bool  { return o.active }
func (o *GameObject) IsDynamic() bool { return o.dynamic }
func (o *GameObject) Level() int      { return o.transform.level }

func (o *GameObject) ChildCount() int { return len(o.children) }

// Children returns a copy of the child ids.
func (o *GameObject) Children() []ecs.ID { return slices.Clone(o.children) }

// Tags returns a copy of the object's tags in sorted order.
func (o *GameObject) Tags() []string { return slices.Clone(o.tags) }

func (o *GameObject) HasTag(tag string) bool {
	_, ok := slices.BinarySearch(o.tags, norm.NFC.String(tag))
	return ok
}

// Components returns a copy of the attached component handles.
func (o *GameObject) Components() []ComponentHandle { return slices.Clone(o.components) }

func (o *GameObject) LocalTransform() xform.Transform  { return o.transform.Local }
func (o *GameObject) GlobalTransform() xform.Transform { return o.transform.Global }
func (o *GameObject) GlobalPosition() xform.Vec3       { return o.transform.Global.Position }
func (o *GameObject) Velocity() xform.Vec3             { return o.transform.Velocity }
func (o *GameObject) LocalBounds() xform.BoundingBox   { return o.transform.LocalBounds }
func (o *GameObject) GlobalBounds() xform.BoundingBox  { return o.transform.GlobalBounds }

// ObjectDesc describes a new game object. Zero rotation and zero scale mean
// identity.
type ObjectDesc struct {
	Name      string
	GlobalKey string
	Parent    ecs.ID
	Position  xform.Vec3
	Rotation  xform.Quat
	Scale     xform.Vec3
	Bounds    xform.BoundingBox
	Dynamic   bool
	Inactive  bool
	Tags      []string
}

func (d *ObjectDesc) local() xform.Transform {
	t := xform.Transform{Position: d.Position, Rotation: d.Rotation, Scale: d.Scale}
	if t.Rotation == (xform.Quat{}) {
		t.Rotation = xform.IdentityQuat()
	}
	if t.Scale == (xform.Vec3{}) {
		t.Scale = xform.V3(1, 1, 1)
	}
	return t
}

// ObjectDeleted is published on the world's event bus when an object is
// about to be deleted.
type ObjectDeleted struct {
	ID   ecs.ID
	Name string
}

// object resolves id including objects already deleted but not yet drained.
func (w *World) object(id ecs.ID) *GameObject {
	slot, ok := w.objectIDs.TryGet(id)
	if !ok {
		return nil
	}
	return w.objects.At(slot)
}

func (w *World) liveObject(id ecs.ID) (*GameObject, error) {
	if !id.IsZero() && id.World() != w.index {
		return nil, fmt.Errorf("object %d: %w", id.Index(), ErrWrongWorld)
	}
	obj := w.object(id)
	if obj == nil || obj.dead {
		return nil, fmt.Errorf("object %d: %w", id.Index(), ErrNotFound)
	}
	return obj, nil
}

// TryGetObject resolves a live object. Stale or foreign ids are not found.
func (w *World) TryGetObject(id ecs.ID) (*GameObject, bool) {
	w.checkRead()
	obj, err := w.liveObject(id)
	return obj, err == nil
}

// ObjectCount returns the number of live objects.
func (w *World) ObjectCount() int {
	return w.objectIDs.Count() - len(w.deadObjects)
}

// EachObject visits live objects in storage order. Objects deleted during the
// walk are skipped from then on; objects created during it may or may not be
// visited.
func (w *World) EachObject(fn func(*GameObject)) {
	w.checkRead()
	for slot := 0; slot < w.objects.Len(); slot++ {
		if obj := w.objects.At(slot); !obj.dead {
			fn(obj)
		}
	}
}

// Children returns the child ids of id.
func (w *World) Children(id ecs.ID) []ecs.ID {
	w.checkRead()
	obj, err := w.liveObject(id)
	if err != nil {
		return nil
	}
	return obj.Children()
}

// CreateObject adds an object and returns its id. A child of a dynamic parent
// is always dynamic.
func (w *World) CreateObject(desc ObjectDesc) (ecs.ID, error) {
	w.checkWrite()
	var parent *GameObject
	if !desc.Parent.IsZero() {
		p, err := w.liveObject(desc.Parent)
		if err != nil {
			return 0, fmt.Errorf("create object %q: parent: %w", desc.Name, err)
		}
		parent = p
	}
	key := norm.NFC.String(desc.GlobalKey)
	if key != "" {
		if _, taken := w.globalKeys[key]; taken {
			return 0, fmt.Errorf("create object %q: key %q: %w", desc.Name, key, ErrGlobalKeyInUse)
		}
	}
	if slices.Contains(desc.Tags, "") {
		return 0, fmt.Errorf("create object %q: %w", desc.Name, ErrEmptyTag)
	}

	slot, obj := w.objects.Create()
	id := w.objectIDs.Insert(slot)
	*obj = GameObject{
		id:         id,
		name:       norm.NFC.String(desc.Name),
		activeFlag: !desc.Inactive,
		dynamic:    desc.Dynamic,
	}
	for _, tag := range desc.Tags {
		obj.addTag(tag)
	}

	level := 0
	var parentTD *TransformData
	if parent != nil {
		level = parent.transform.level + 1
		parentTD = parent.transform
		obj.parent = parent.id
		obj.dynamic = obj.dynamic || parent.dynamic
		parent.children = append(parent.children, id)
	}
	obj.active = obj.activeFlag && (parent == nil || parent.active)

	td := w.hierarchy.add(forestOf(obj.dynamic), level, id, parentTD)
	td.Local = desc.local()
	td.LocalBounds = desc.Bounds
	td.updateGlobal()
	td.lastGlobalPosition = td.Global.Position
	if w.spatial != nil && desc.Bounds.Valid {
		td.spatial = w.spatial.Insert(id, td.GlobalBounds)
	}
	obj.transform = td

	if key != "" {
		obj.globalKey = key
		w.globalKeys[key] = id
	}
	return id, nil
}

func forestOf(dynamic bool) Forest {
	if dynamic {
		return ForestDynamic
	}
	return ForestStatic
}

// transformMoved repoints the owner and the children of a relocated record.
func (w *World) transformMoved(td *TransformData) {
	obj := w.object(td.owner)
	if obj == nil {
		return
	}
	obj.transform = td
	for _, cid := range obj.children {
		if child := w.object(cid); child != nil {
			child.transform.parent = td
		}
	}
}

// DeleteObjectNow deletes id with its subtree and components. With
// deleteEmptyParents, ancestors left without children and components are
// deleted too. Memory is reclaimed at the start of the next frame.
func (w *World) DeleteObjectNow(id ecs.ID, deleteEmptyParents bool) error {
	w.checkWrite()
	obj, err := w.liveObject(id)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	if deleteEmptyParents {
		for !obj.parent.IsZero() {
			p := w.object(obj.parent)
			if p == nil || len(p.children) != 1 || len(p.components) != 0 {
				break
			}
			obj = p
		}
	}
	w.deleteObject(obj)
	return nil
}

// DeleteObjectDelayed queues a deletion message for the next frame.
func (w *World) DeleteObjectDelayed(id ecs.ID, deleteEmptyParents bool) {
	w.PostMessage(id, MsgDeleteGameObject{DeleteEmptyParents: deleteEmptyParents}, event.QueueNextFrame, 0)
}

func (w *World) deleteObject(obj *GameObject) {
	if obj.deleting || obj.dead {
		return
	}
	obj.deleting = true
	id := obj.id
	event.Publish(w.bus, ObjectDeleted{ID: id, Name: obj.name})

	// Hooks above may have touched storage; resolve again.
	obj = w.object(id)
	if obj == nil || obj.dead {
		return
	}
	obj.dead = true
	obj.activeFlag = false
	obj.active = false

	for _, cid := range slices.Clone(obj.children) {
		if child := w.object(cid); child != nil && !child.dead {
			w.deleteObject(child)
		}
	}
	for len(obj.components) > 0 {
		h := obj.components[0]
		if c, ok := w.component(h); ok {
			w.deleteComponent(c)
		} else {
			obj.components = obj.components[1:]
		}
	}
	w.unlinkFromParent(obj)
	if obj.globalKey != "" {
		delete(w.globalKeys, obj.globalKey)
		obj.globalKey = ""
	}
	w.deadObjects = append(w.deadObjects, id)
}

func (w *World) unlinkFromParent(obj *GameObject) {
	if obj.parent.IsZero() {
		return
	}
	if p := w.object(obj.parent); p != nil {
		if i := slices.Index(p.children, obj.id); i >= 0 {
			p.children = slices.Delete(p.children, i, i+1)
		}
	}
	obj.parent = 0
}

// deleteDeadObjects reclaims objects deleted since the last frame. The record
// moved into each freed slot gets its id table entry patched.
func (w *World) deleteDeadObjects() int {
	n := len(w.deadObjects)
	for _, id := range w.deadObjects {
		slot, ok := w.objectIDs.TryGet(id)
		if !ok {
			continue
		}
		obj := w.objects.At(slot)
		obj.transform.parent = nil
		w.hierarchy.remove(obj.transform)
		w.objectIDs.Remove(id)
		if _, moved := w.objects.Delete(slot); moved {
			w.objectIDs.Set(w.objects.At(slot).id, slot)
		}
	}
	w.deadObjects = w.deadObjects[:0]
	return n
}

// SetParent moves id under parent (zero for root). With preserveGlobal the
// object keeps its global transform; otherwise it keeps its local one.
func (w *World) SetParent(id, parent ecs.ID, preserveGlobal bool) error {
	w.checkWrite()
	obj, err := w.liveObject(id)
	if err != nil {
		return fmt.Errorf("set parent: %w", err)
	}
	var p *GameObject
	if !parent.IsZero() {
		if p, err = w.liveObject(parent); err != nil {
			return fmt.Errorf("set parent: %w", err)
		}
		for a := p; a != nil; a = w.object(a.parent) {
			if a.id == obj.id {
				return fmt.Errorf("set parent of %d to its descendant %d: %w", id.Index(), parent.Index(), ErrInvalidParent)
			}
			if a.parent.IsZero() {
				break
			}
		}
	}
	if obj.parent == parent {
		return nil
	}

	global := obj.transform.Global
	w.unlinkFromParent(obj)
	var parentTD *TransformData
	level := 0
	if p != nil {
		obj.parent = p.id
		p.children = append(p.children, obj.id)
		parentTD = p.transform
		level = p.transform.level + 1
	}
	td := obj.transform
	td.parent = parentTD
	if preserveGlobal {
		if parentTD != nil {
			td.Local = xform.Relative(parentTD.Global, global)
		} else {
			td.Local = global
		}
	}
	dynamic := obj.dynamic || (p != nil && p.dynamic)
	w.relocateSubtree(obj, dynamic, level)
	w.updateObjectActive(obj)
	w.refreshGlobalSubtree(obj)
	return nil
}

// relocateSubtree moves obj and its descendants to match the level and
// forest invariants.
func (w *World) relocateSubtree(obj *GameObject, dynamic bool, level int) {
	obj.dynamic = dynamic
	w.hierarchy.relocate(obj.transform, forestOf(dynamic), level)
	for _, cid := range obj.children {
		child := w.object(cid)
		if child == nil {
			continue
		}
		// relocating a sibling may have moved obj's record again
		child.transform.parent = obj.transform
		w.relocateSubtree(child, child.dynamic || dynamic, level+1)
	}
}

// SetDynamic changes the mobility of id. An object under a dynamic parent
// stays dynamic; children of a now dynamic object become dynamic.
func (w *World) SetDynamic(id ecs.ID, dynamic bool) error {
	w.checkWrite()
	obj, err := w.liveObject(id)
	if err != nil {
		return fmt.Errorf("set dynamic: %w", err)
	}
	if !dynamic && !obj.parent.IsZero() {
		if p := w.object(obj.parent); p != nil && p.dynamic {
			w.log.Debug("object under a dynamic parent stays dynamic", zap.String("name", obj.name))
			return nil
		}
	}
	if obj.dynamic == dynamic {
		return nil
	}
	if dynamic {
		w.relocateSubtree(obj, true, obj.transform.level)
		return nil
	}
	obj.dynamic = false
	obj.transform = w.hierarchy.relocate(obj.transform, ForestStatic, obj.transform.level)
	w.refreshGlobalSubtree(obj)
	return nil
}

// SetLocalTransform replaces the local transform. Static objects update
// their subtree immediately; dynamic ones on the next propagation.
func (w *World) SetLocalTransform(id ecs.ID, t xform.Transform) error {
	w.checkWrite()
	obj, err := w.liveObject(id)
	if err != nil {
		return fmt.Errorf("set local transform: %w", err)
	}
	obj.transform.Local = t
	if !obj.dynamic {
		w.refreshGlobalSubtree(obj)
	}
	return nil
}

// SetLocalPosition replaces the local position.
func (w *World) SetLocalPosition(id ecs.ID, pos xform.Vec3) error {
	w.checkWrite()
	obj, err := w.liveObject(id)
	if err != nil {
		return fmt.Errorf("set local position: %w", err)
	}
	t := obj.transform.Local
	t.Position = pos
	return w.SetLocalTransform(id, t)
}

// SetLocalBounds replaces the local bounds and keeps the spatial index in
// sync.
func (w *World) SetLocalBounds(id ecs.ID, b xform.BoundingBox) error {
	w.checkWrite()
	obj, err := w.liveObject(id)
	if err != nil {
		return fmt.Errorf("set local bounds: %w", err)
	}
	td := obj.transform
	td.LocalBounds = b
	td.GlobalBounds = b.Transformed(td.Global)
	if w.spatial != nil {
		switch {
		case td.spatial != 0:
			w.spatial.Update(td.spatial, td.GlobalBounds)
		case b.Valid:
			td.spatial = w.spatial.Insert(obj.id, td.GlobalBounds)
		}
	}
	return nil
}

// refreshGlobalSubtree recomputes global transforms of obj and every
// descendant from their parents.
func (w *World) refreshGlobalSubtree(obj *GameObject) {
	td := obj.transform
	td.updateGlobal()
	if !obj.dynamic {
		td.lastGlobalPosition = td.Global.Position
	}
	if w.spatial != nil && td.spatial != 0 {
		w.spatial.Update(td.spatial, td.GlobalBounds)
	}
	for _, cid := range obj.children {
		if child := w.object(cid); child != nil && !child.dead {
			w.refreshGlobalSubtree(child)
		}
	}
}

// SetActiveFlag sets the object's own flag. The derived state of the subtree
// and of the attached components follows.
func (w *World) SetActiveFlag(id ecs.ID, enabled bool) error {
	w.checkWrite()
	obj, err := w.liveObject(id)
	if err != nil {
		return fmt.Errorf("set active flag: %w", err)
	}
	if obj.activeFlag == enabled {
		return nil
	}
	obj.activeFlag = enabled
	w.updateObjectActive(obj)
	return nil
}

func (w *World) updateObjectActive(obj *GameObject) {
	parentActive := true
	if !obj.parent.IsZero() {
		if p := w.object(obj.parent); p != nil {
			parentActive = p.active
		}
	}
	active := obj.activeFlag && parentActive
	if obj.active == active {
		return
	}
	obj.active = active
	id := obj.id
	for _, h := range slices.Clone(obj.components) {
		if c, ok := w.component(h); ok {
			w.updateComponentActive(c, active)
		}
	}
	// component hooks may have created objects
	obj = w.object(id)
	for _, cid := range slices.Clone(obj.children) {
		if child := w.object(cid); child != nil && !child.dead {
			w.updateObjectActive(child)
		}
	}
}

// SetGlobalKey assigns a world-unique lookup key. An empty key clears it.
func (w *World) SetGlobalKey(id ecs.ID, key string) error {
	w.checkWrite()
	obj, err := w.liveObject(id)
	if err != nil {
		return fmt.Errorf("set global key: %w", err)
	}
	key = norm.NFC.String(key)
	if key == obj.globalKey {
		return nil
	}
	if key != "" {
		if owner, taken := w.globalKeys[key]; taken && owner != id {
			return fmt.Errorf("set global key %q: %w", key, ErrGlobalKeyInUse)
		}
	}
	if obj.globalKey != "" {
		delete(w.globalKeys, obj.globalKey)
	}
	obj.globalKey = key
	if key != "" {
		w.globalKeys[key] = id
	}
	return nil
}

// FindObjectByGlobalKey looks up an object by its global key.
func (w *World) FindObjectByGlobalKey(key string) (ecs.ID, bool) {
	w.checkRead()
	id, ok := w.globalKeys[norm.NFC.String(key)]
	return id, ok
}

// QueryBox returns the objects whose global bounds overlap box. Returns nil
// when the spatial index is disabled.
func (w *World) QueryBox(box xform.BoundingBox) []ecs.ID {
	w.checkRead()
	if w.spatial == nil {
		return nil
	}
	return w.spatial.Query(box)
}

func (o *GameObject) addTag(tag string) bool {
	tag = norm.NFC.String(tag)
	i, ok := slices.BinarySearch(o.tags, tag)
	if ok {
		return false
	}
	o.tags = slices.Insert(o.tags, i, tag)
	return true
}

// SetTag adds tag to the object. Reports whether it was new.
func (w *World) SetTag(id ecs.ID, tag string) (bool, error) {
	w.checkWrite()
	if tag == "" {
		return false, fmt.Errorf("set tag: %w", ErrEmptyTag)
	}
	obj, err := w.liveObject(id)
	if err != nil {
		return false, fmt.Errorf("set tag: %w", err)
	}
	return obj.addTag(tag), nil
}

// RemoveTag removes tag from the object. Reports whether it was present.
func (w *World) RemoveTag(id ecs.ID, tag string) (bool, error) {
	w.checkWrite()
	obj, err := w.liveObject(id)
	if err != nil {
		return false, fmt.Errorf("remove tag: %w", err)
	}
	i, ok := slices.BinarySearch(obj.tags, norm.NFC.String(tag))
	if ok {
		obj.tags = slices.Delete(obj.tags, i, i+1)
	}
	return ok, nil
}

// QueryBoxTagged is QueryBox restricted to objects carrying tag.
func (w *World) QueryBoxTagged(box xform.BoundingBox, tag string) []ecs.ID {
	ids := w.QueryBox(box)
	return slices.DeleteFunc(ids, func(id ecs.ID) bool {
		obj, err := w.liveObject(id)
		return err != nil || !obj.HasTag(tag)
	})
}
