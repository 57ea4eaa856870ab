package world

import (
	"bytes"
	"crypto/subtle"
	"fmt"

	"github.com/hmcore/worldsim/internal/core/ecs"
	"github.com/hmcore/worldsim/internal/core/wire"
	"github.com/hmcore/worldsim/internal/core/xform"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// Snapshot format versions. Version 3 added global keys, version 4 tags.
const (
	SnapshotVersion    = 4
	minSnapshotVersion = 2
)

var snapshotMagic = []byte("HMWS")

// Snapshot serializes every live object and component. Parents are written
// before their children. The trailer is a BLAKE2b-256 checksum of the rest.
func (w *World) Snapshot() ([]byte, error) {
	w.checkRead()
	out := wire.NewWriter()
	out.WriteRaw(snapshotMagic)
	out.WriteC(SnapshotVersion)

	var order []*GameObject
	index := make(map[ecs.ID]uint32)
	var visit func(obj *GameObject)
	visit = func(obj *GameObject) {
		index[obj.id] = uint32(len(order))
		order = append(order, obj)
		for _, cid := range obj.children {
			if child, err := w.liveObject(cid); err == nil {
				visit(child)
			}
		}
	}
	w.EachObject(func(obj *GameObject) {
		if obj.parent.IsZero() {
			visit(obj)
		}
	})

	out.WriteD(uint32(len(order)))
	for _, obj := range order {
		parent := uint32(0)
		if !obj.parent.IsZero() {
			parent = index[obj.parent] + 1
		}
		out.WriteD(parent)
		out.WriteS(obj.name)
		out.WriteS(obj.globalKey)
		writeTransform(out, obj.transform.Local)
		writeBounds(out, obj.transform.LocalBounds)
		out.WriteBool(obj.activeFlag)
		out.WriteBool(obj.dynamic)
		out.WriteH(uint16(len(obj.tags)))
		for _, tag := range obj.tags {
			out.WriteS(tag)
		}
	}

	out.WriteH(uint16(len(w.active)))
	for _, m := range w.active {
		ti := m.info()
		var comps []Component
		m.each(func(c Component) {
			if _, ok := index[c.base().owner]; ok {
				comps = append(comps, c)
			}
		})
		out.WriteS(ti.name)
		out.WriteH(ti.version)
		out.WriteD(uint32(len(comps)))
		payload := wire.NewWriter()
		for _, c := range comps {
			b := c.base()
			out.WriteD(index[b.owner])
			out.WriteBool(b.IsEnabled())
			payload.Reset()
			if ti.serialize != nil {
				ti.serialize(c, payload)
			}
			out.WriteBytes(payload.Bytes())
		}
	}

	sum := blake2b.Sum256(out.Bytes())
	out.WriteRaw(sum[:])
	return out.Bytes(), nil
}

// RestoreSnapshot adds the objects and components of data to the world and
// returns the ids of the restored root objects. On error nothing is added.
func (w *World) RestoreSnapshot(data []byte) ([]ecs.ID, error) {
	w.checkWrite()
	headerLen := len(snapshotMagic) + 1
	if len(data) < headerLen+blake2b.Size256 || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return nil, fmt.Errorf("restore snapshot: bad header: %w", ErrSnapshotMalformed)
	}
	version := data[len(snapshotMagic)]
	if version < minSnapshotVersion || version > SnapshotVersion {
		return nil, fmt.Errorf("restore snapshot: version %d: %w", version, ErrSnapshotVersion)
	}
	body, trailer := data[:len(data)-blake2b.Size256], data[len(data)-blake2b.Size256:]
	sum := blake2b.Sum256(body)
	if subtle.ConstantTimeCompare(sum[:], trailer) != 1 {
		return nil, fmt.Errorf("restore snapshot: checksum mismatch: %w", ErrSnapshotMalformed)
	}

	var roots []ecs.ID
	ids, err := w.restoreBody(wire.NewReader(body[headerLen:]), version, &roots)
	if err != nil {
		for _, id := range roots {
			_ = w.DeleteObjectNow(id, false)
		}
		return nil, err
	}
	w.log.Info("snapshot restored", zap.Int("objects", len(ids)), zap.Int("roots", len(roots)))
	return roots, nil
}

func (w *World) restoreBody(r *wire.Reader, version byte, roots *[]ecs.ID) ([]ecs.ID, error) {
	n := r.ReadD()
	if r.Err() != nil || int(n) > r.Remaining() {
		return nil, fmt.Errorf("restore snapshot: object count: %w", ErrSnapshotMalformed)
	}
	ids := make([]ecs.ID, 0, n)
	for i := uint32(0); i < n; i++ {
		parent := r.ReadD()
		desc := ObjectDesc{Name: r.ReadS()}
		if version >= 3 {
			desc.GlobalKey = r.ReadS()
		}
		local := readTransform(r)
		desc.Position, desc.Rotation, desc.Scale = local.Position, local.Rotation, local.Scale
		desc.Bounds = readBounds(r)
		desc.Inactive = !r.ReadBool()
		desc.Dynamic = r.ReadBool()
		if version >= 4 {
			tags := int(r.ReadH())
			if tags > r.Remaining() {
				return ids, fmt.Errorf("restore snapshot: object %d tags: %w", i, ErrSnapshotMalformed)
			}
			for range tags {
				desc.Tags = append(desc.Tags, r.ReadS())
			}
		}
		if r.Err() != nil || parent > i {
			return ids, fmt.Errorf("restore snapshot: object %d: %w", i, ErrSnapshotMalformed)
		}
		if parent > 0 {
			desc.Parent = ids[parent-1]
		}
		id, err := w.CreateObject(desc)
		if err != nil {
			return ids, fmt.Errorf("restore snapshot: object %d: %w", i, err)
		}
		if parent == 0 {
			*roots = append(*roots, id)
		}
		ids = append(ids, id)
	}

	groups := r.ReadH()
	for g := uint16(0); g < groups; g++ {
		name := r.ReadS()
		typeVersion := r.ReadH()
		count := r.ReadD()
		if r.Err() != nil {
			return ids, fmt.Errorf("restore snapshot: type group %d: %w", g, ErrSnapshotMalformed)
		}
		ti, known := w.types.lookupName(name)
		if !known {
			w.log.Warn("snapshot component type not registered, skipped", zap.String("type", name), zap.Uint32("count", count))
		} else if typeVersion > ti.version {
			return ids, fmt.Errorf("restore snapshot: type %s version %d newer than %d: %w", name, typeVersion, ti.version, ErrSnapshotVersion)
		}
		for j := uint32(0); j < count; j++ {
			owner := r.ReadD()
			enabled := r.ReadBool()
			payload := r.ReadBytes()
			if r.Err() != nil || owner >= uint32(len(ids)) {
				return ids, fmt.Errorf("restore snapshot: %s component %d: %w", name, j, ErrSnapshotMalformed)
			}
			if !known {
				continue
			}
			c, err := w.createComponent(ti, ids[owner])
			if err != nil {
				return ids, fmt.Errorf("restore snapshot: %w", err)
			}
			if !enabled {
				c.base().flags &^= flagEnabled | flagActive
			}
			if ti.deserialize != nil {
				if err := ti.deserialize(c, wire.NewReader(payload), typeVersion); err != nil {
					return ids, fmt.Errorf("restore snapshot: %s component %d: %w", name, j, err)
				}
			}
		}
	}
	if r.Remaining() != 0 {
		return ids, fmt.Errorf("restore snapshot: %d trailing bytes: %w", r.Remaining(), ErrSnapshotMalformed)
	}
	return ids, nil
}

func writeVec(out *wire.Writer, v xform.Vec3) {
	out.WriteF(v.X)
	out.WriteF(v.Y)
	out.WriteF(v.Z)
}

func readVec(r *wire.Reader) xform.Vec3 {
	return xform.Vec3{X: r.ReadF(), Y: r.ReadF(), Z: r.ReadF()}
}

func writeTransform(out *wire.Writer, t xform.Transform) {
	writeVec(out, t.Position)
	out.WriteF(t.Rotation.X)
	out.WriteF(t.Rotation.Y)
	out.WriteF(t.Rotation.Z)
	out.WriteF(t.Rotation.W)
	writeVec(out, t.Scale)
}

func readTransform(r *wire.Reader) xform.Transform {
	var t xform.Transform
	t.Position = readVec(r)
	t.Rotation = xform.Quat{X: r.ReadF(), Y: r.ReadF(), Z: r.ReadF(), W: r.ReadF()}
	t.Scale = readVec(r)
	return t
}

func writeBounds(out *wire.Writer, b xform.BoundingBox) {
	out.WriteBool(b.Valid)
	if b.Valid {
		writeVec(out, b.Min)
		writeVec(out, b.Max)
	}
}

func readBounds(r *wire.Reader) xform.BoundingBox {
	if !r.ReadBool() {
		return xform.BoundingBox{}
	}
	return xform.Box(readVec(r), readVec(r))
}
