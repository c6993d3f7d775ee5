package memory

import (
	"sort"
	"strconv"

	"github.com/asaidimu/go-tessera/core/d2r"
	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// storedRow is a row at rest. Column values are kept as one BSON document
// keyed by column ID.
type storedRow struct {
	Did    int64    `bson:"did"`
	Rid    int64    `bson:"rid"`
	Pid    int64    `bson:"pid"`
	Seq    *int32   `bson:"seq,omitempty"`
	Values bson.Raw `bson:"values"`
}

func lessRow(a, b storedRow) bool {
	return a.Rid < b.Rid
}

func encodeRow(data *d2r.DocPartData, row d2r.DocPartRow) (storedRow, error) {
	values, err := encodeValues(data.Values(row))
	if err != nil {
		return storedRow{}, err
	}
	return storedRow{Did: row.Did, Rid: row.Rid, Pid: row.Pid, Seq: row.Seq, Values: values}, nil
}

func encodeValues(values map[metainf.ID]any) (bson.Raw, error) {
	ids := make([]metainf.ID, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	doc := make(bson.D, 0, len(ids))
	for _, id := range ids {
		doc = append(doc, bson.E{Key: strconv.FormatUint(uint64(id), 10), Value: values[id]})
	}
	b, err := bson.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "encoding row values")
	}
	return bson.Raw(b), nil
}

func decodeRow(r storedRow) (d2r.Row, error) {
	values, err := decodeValues(r.Values)
	if err != nil {
		return d2r.Row{}, errors.Wrapf(err, "decoding row %d", r.Rid)
	}
	return d2r.Row{Did: r.Did, Rid: r.Rid, Pid: r.Pid, Seq: r.Seq, Values: values}, nil
}

func decodeValues(raw bson.Raw) (map[metainf.ID]any, error) {
	elems, err := raw.Elements()
	if err != nil {
		return nil, err
	}
	values := make(map[metainf.ID]any, len(elems))
	for _, e := range elems {
		id, err := strconv.ParseUint(e.Key(), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "column key %q", e.Key())
		}
		v, err := decodeValue(e.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "column %d", id)
		}
		values[metainf.ID(id)] = v
	}
	return values, nil
}

func decodeValue(v bson.RawValue) (any, error) {
	switch v.Type {
	case bson.TypeBoolean:
		return v.Boolean(), nil
	case bson.TypeInt32:
		return v.Int32(), nil
	case bson.TypeInt64:
		return v.Int64(), nil
	case bson.TypeDouble:
		return v.Double(), nil
	case bson.TypeString:
		return v.StringValue(), nil
	case bson.TypeBinary:
		_, data := v.Binary()
		return data, nil
	case bson.TypeDateTime:
		return v.Time().UTC(), nil
	case bson.TypeObjectID:
		return v.ObjectID(), nil
	case bson.TypeNull:
		return nil, nil
	default:
		return nil, errors.Newf("unsupported bson type %s", v.Type)
	}
}

// dumpFile is the on-disk form of a memory backend.
type dumpFile struct {
	Version     uint64               `bson:"version"`
	LastID      uint64               `bson:"lastId"`
	Databases   []metainf.Database   `bson:"databases"`
	Collections []metainf.Collection `bson:"collections"`
	DocParts    []dumpDocPart        `bson:"docParts"`
	Fields      []metainf.Field      `bson:"fields"`
	Scalars     []metainf.Scalar     `bson:"scalars"`
	Watermarks  []dumpWatermark      `bson:"watermarks"`
	Tables      []dumpTable          `bson:"tables"`
}

type dumpDocPart struct {
	ID           metainf.ID `bson:"id"`
	CollectionID metainf.ID `bson:"collectionId"`
	Path         string     `bson:"path"`
}

type dumpWatermark struct {
	DocPart metainf.ID `bson:"docPart"`
	Next    int64      `bson:"next"`
}

type dumpTable struct {
	DocPart metainf.ID  `bson:"docPart"`
	Rows    []storedRow `bson:"rows"`
}
