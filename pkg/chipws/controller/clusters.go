package controller

import (
	"encoding/base64"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/tsarna/chipws/pkg/chipws/codec"
)

// Cluster identifies a cluster type. Its TypeName is the key used for it in
// read results.
type Cluster struct {
	Name string
	ID   uint32
}

func (c Cluster) TypeName() string {
	return c.Name
}

// Attribute identifies an attribute type within a cluster.
type Attribute struct {
	Cluster  string
	Name     string
	ID       uint32
	Writable bool
	Nullable bool

	coerce func(v any) (any, error)
}

func (a Attribute) TypeName() string {
	return a.Name
}

// Path is the "Cluster.Attribute" name clients use.
func (a Attribute) Path() string {
	return a.Cluster + "." + a.Name
}

var (
	BasicInformation       = Cluster{Name: "BasicInformation", ID: 0x0028}
	OnOff                  = Cluster{Name: "OnOff", ID: 0x0006}
	LevelControl           = Cluster{Name: "LevelControl", ID: 0x0008}
	OperationalCredentials = Cluster{Name: "OperationalCredentials", ID: 0x003E}
)

var clusters = []Cluster{BasicInformation, OnOff, LevelControl, OperationalCredentials}

// Attribute comparisons use ==, so the catalog holds the only instances.
var attributes = []*Attribute{
	{Cluster: BasicInformation.Name, Name: "VendorName", ID: 0x0001, coerce: asString},
	{Cluster: BasicInformation.Name, Name: "VendorID", ID: 0x0002, coerce: asUint(math.MaxUint16)},
	{Cluster: BasicInformation.Name, Name: "ProductName", ID: 0x0003, coerce: asString},
	{Cluster: BasicInformation.Name, Name: "ProductID", ID: 0x0004, coerce: asUint(math.MaxUint16)},
	{Cluster: BasicInformation.Name, Name: "NodeLabel", ID: 0x0005, Writable: true, coerce: asString},
	{Cluster: BasicInformation.Name, Name: "SoftwareVersion", ID: 0x0009, coerce: asUint(math.MaxUint32)},
	{Cluster: OnOff.Name, Name: "OnOff", ID: 0x0000, Writable: true, coerce: asBool},
	{Cluster: LevelControl.Name, Name: "CurrentLevel", ID: 0x0000, Writable: true, Nullable: true, coerce: asUint(254)},
	{Cluster: OperationalCredentials.Name, Name: "TrustedRootCertificates", ID: 0x0004, coerce: asBytesList},
}

func clusterByName(name string) (Cluster, bool) {
	return lo.Find(clusters, func(c Cluster) bool { return c.Name == name })
}

func attributesOf(cluster string) []*Attribute {
	return lo.Filter(attributes, func(a *Attribute, _ int) bool { return a.Cluster == cluster })
}

// lookupAttributes resolves a path of the form "Cluster" (every attribute of
// the cluster) or "Cluster.Attribute".
func lookupAttributes(path string) ([]*Attribute, bool) {
	clusterName, attrName, hasAttr := strings.Cut(path, ".")
	if _, ok := clusterByName(clusterName); !ok {
		return nil, false
	}
	if !hasAttr {
		return attributesOf(clusterName), true
	}
	attr, ok := lo.Find(attributes, func(a *Attribute) bool {
		return a.Cluster == clusterName && a.Name == attrName
	})
	if !ok {
		return nil, false
	}
	return []*Attribute{attr}, true
}

// normalize converts a value from a client or from storage to the
// attribute's native Go type. A nil value, or codec.Nullable, is only valid
// for nullable attributes and becomes nil.
func (a *Attribute) normalize(v any) (any, error) {
	if _, isNull := v.(codec.Nullable); v == nil || isNull {
		if !a.Nullable {
			return nil, errors.Newf("%s is not nullable", a.Path())
		}
		return nil, nil
	}
	out, err := a.coerce(v)
	if err != nil {
		return nil, errors.Wrap(err, a.Path())
	}
	return out, nil
}

// wireValue is the value as it appears in a read result.
func (a *Attribute) wireValue(v any) any {
	switch val := v.(type) {
	case nil:
		if a.Nullable {
			return codec.Nullable{}
		}
	case [][]byte:
		return lo.Map(val, func(b []byte, _ int) any { return b })
	}
	return v
}

func asString(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, errors.Newf("want string, got %T", v)
	}
	return s, nil
}

func asBool(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, errors.Newf("want bool, got %T", v)
	}
	return b, nil
}

func asUint(limit uint64) func(any) (any, error) {
	return func(v any) (any, error) {
		var n uint64
		switch num := v.(type) {
		case float64:
			if num < 0 || num != math.Trunc(num) || num > float64(limit) {
				return nil, errors.Newf("%v out of range 0..%d", num, limit)
			}
			n = uint64(num)
		case uint64:
			n = num
		case int:
			if num < 0 {
				return nil, errors.Newf("%d out of range 0..%d", num, limit)
			}
			n = uint64(num)
		default:
			return nil, errors.Newf("want unsigned integer, got %T", v)
		}
		if n > limit {
			return nil, errors.Newf("%d out of range 0..%d", n, limit)
		}
		return n, nil
	}
}

// asBytesList accepts [][]byte, or a list of []byte or base64 strings as
// found after a storage round trip.
func asBytesList(v any) (any, error) {
	var items []any
	switch list := v.(type) {
	case [][]byte:
		return list, nil
	case []any:
		items = list
	default:
		return nil, errors.Newf("want list of octet strings, got %T", v)
	}

	out := make([][]byte, len(items))
	for i, item := range items {
		switch b := item.(type) {
		case []byte:
			out[i] = b
		case string:
			decoded, err := base64.StdEncoding.DecodeString(b)
			if err != nil {
				return nil, errors.Wrapf(err, "item %d", i)
			}
			out[i] = decoded
		default:
			return nil, errors.Newf("item %d: want octet string, got %T", i, item)
		}
	}
	return out, nil
}
