package dictionary

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	layehdict "layeh.com/radius/dictionary"
)

//go:embed dictionary.default
var defaultDictionary string

// ErrUnknownAttribute is returned when a name or code is not in the catalog
var ErrUnknownAttribute = errors.New("dictionary: unknown attribute")

// Vendor is an entry of the vendor table
type Vendor struct {
	ID   uint32
	Name string
}

// Attribute describes a single attribute definition
type Attribute struct {
	Code     uint8
	Name     string
	Type     DataType
	VendorID uint32

	// Named integer values (VALUE lines)
	values map[string]uint32
	names  map[uint32]string
}

// ValueName returns the symbolic name of an integer value, if any
func (a *Attribute) ValueName(v uint32) (string, bool) {
	name, ok := a.names[v]
	return name, ok
}

// Value returns the integer for a symbolic value name
func (a *Attribute) Value(name string) (uint32, bool) {
	v, ok := a.values[strings.ToLower(name)]
	return v, ok
}

type attrKey struct {
	vendor uint32
	code   uint8
}

// Dictionary is the attribute catalog. It is populated by Load/LoadFile and
// must not be modified once it is shared between goroutines.
type Dictionary struct {
	byName        map[string]*Attribute
	byCode        map[attrKey]*Attribute
	vendorsByID   map[uint32]*Vendor
	vendorsByName map[string]*Vendor
}

// New returns an empty dictionary
func New() *Dictionary {
	return &Dictionary{
		byName:        make(map[string]*Attribute),
		byCode:        make(map[attrKey]*Attribute),
		vendorsByID:   make(map[uint32]*Vendor),
		vendorsByName: make(map[string]*Vendor),
	}
}

// Default returns a dictionary loaded from the embedded catalog covering
// RFC 2865/2866/2869/3576, Microsoft (311) and MikroTik (14988) attributes.
func Default() (*Dictionary, error) {
	d := New()
	if err := d.Load(strings.NewReader(defaultDictionary), "default"); err != nil {
		return nil, err
	}
	return d, nil
}

// MustDefault is Default that panics on error
func MustDefault() *Dictionary {
	d, err := Default()
	if err != nil {
		panic(err)
	}
	return d
}

// LoadFile loads additional definitions from a FreeRADIUS-format file.
// $INCLUDE paths resolve against the directory of path.
func (d *Dictionary) LoadFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("open dictionary: %w", err)
	}
	parser := newParser(filepath.Dir(abs))
	parsed, err := parser.ParseFile(abs)
	if err != nil {
		return fmt.Errorf("parse dictionary: %w", err)
	}
	return d.merge(parsed, abs)
}

// Load reads FreeRADIUS-format definitions from r. source names r in error
// messages; $INCLUDE paths resolve against the working directory. Vendors
// used in BEGIN-VENDOR blocks must be declared by r or its includes.
func (d *Dictionary) Load(r io.Reader, source string) error {
	parser := newParser("")
	parsed, err := parser.Parse(&namedReader{Reader: r, name: source})
	if err != nil {
		return fmt.Errorf("parse dictionary: %w", err)
	}
	return d.merge(parsed, source)
}

func newParser(root string) *layehdict.Parser {
	return &layehdict.Parser{
		Opener:                    &layehdict.FileSystemOpener{Root: root},
		IgnoreIdenticalAttributes: true,
	}
}

// namedReader adapts an io.Reader to the parser's File
type namedReader struct {
	io.Reader
	name string
}

func (r *namedReader) Name() string { return r.name }
func (r *namedReader) Close() error { return nil }

// merge indexes a parsed dictionary. Vendors are registered first, then
// attributes, then VALUE lines, which may name attributes of earlier loads.
func (d *Dictionary) merge(parsed *layehdict.Dictionary, source string) error {
	for _, v := range parsed.Vendors {
		if v.Number <= 0 {
			return fmt.Errorf("%s: vendor %s: invalid id %d", source, v.Name, v.Number)
		}
		if v.GetTypeOctets() != 1 || v.GetLengthOctets() != 1 {
			return fmt.Errorf("%s: vendor %s: format=%d,%d not supported",
				source, v.Name, v.GetTypeOctets(), v.GetLengthOctets())
		}
		if err := d.RegisterVendor(Vendor{ID: uint32(v.Number), Name: v.Name}); err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
	}

	if err := d.registerAll(parsed.Attributes, 0, source); err != nil {
		return err
	}
	for _, v := range parsed.Vendors {
		if err := d.registerAll(v.Attributes, uint32(v.Number), source); err != nil {
			return err
		}
	}

	if err := d.addValues(parsed.Values, source); err != nil {
		return err
	}
	for _, v := range parsed.Vendors {
		if err := d.addValues(v.Values, source); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dictionary) registerAll(attrs []*layehdict.Attribute, vendor uint32, source string) error {
	for _, a := range attrs {
		if len(a.OID) != 1 || a.OID[0] < 1 || a.OID[0] > 255 {
			return fmt.Errorf("%s: attribute %s: unsupported code %s", source, a.Name, a.OID)
		}
		err := d.Register(Attribute{
			Code:     uint8(a.OID[0]),
			Name:     a.Name,
			Type:     dataTypeOf(a.Type),
			VendorID: vendor,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
	}
	return nil
}

func (d *Dictionary) addValues(values []*layehdict.Value, source string) error {
	for _, v := range values {
		attr, ok := d.byName[strings.ToLower(v.Attribute)]
		if !ok {
			return fmt.Errorf("%s: VALUE for %q: %w", source, v.Attribute, ErrUnknownAttribute)
		}
		n := uint32(v.Number)
		if attr.values == nil {
			attr.values = make(map[string]uint32)
			attr.names = make(map[uint32]string)
		}
		attr.values[strings.ToLower(v.Name)] = n
		if _, exists := attr.names[n]; !exists {
			attr.names[n] = v.Name
		}
	}
	return nil
}

// RegisterVendor adds a vendor to the vendor table
func (d *Dictionary) RegisterVendor(v Vendor) error {
	if existing, ok := d.vendorsByID[v.ID]; ok && !strings.EqualFold(existing.Name, v.Name) {
		return fmt.Errorf("vendor id %d already registered as %s", v.ID, existing.Name)
	}
	vv := v
	d.vendorsByID[v.ID] = &vv
	d.vendorsByName[strings.ToLower(v.Name)] = &vv
	return nil
}

// Register adds an attribute definition. A later definition of the same name
// replaces the earlier one, which lets local files override the defaults.
func (d *Dictionary) Register(a Attribute) error {
	if a.Name == "" {
		return errors.New("attribute name required")
	}
	if a.VendorID != 0 {
		if _, ok := d.vendorsByID[a.VendorID]; !ok {
			return fmt.Errorf("attribute %s: unknown vendor %d", a.Name, a.VendorID)
		}
	}
	attr := &Attribute{Code: a.Code, Name: a.Name, Type: a.Type, VendorID: a.VendorID}
	if old, ok := d.byName[strings.ToLower(a.Name)]; ok {
		attr.values, attr.names = old.values, old.names
		if k := (attrKey{old.VendorID, old.Code}); d.byCode[k] == old {
			delete(d.byCode, k)
		}
	}
	d.byName[strings.ToLower(a.Name)] = attr
	d.byCode[attrKey{a.VendorID, a.Code}] = attr
	return nil
}

// ByName looks an attribute up by name (case-insensitive)
func (d *Dictionary) ByName(name string) (*Attribute, bool) {
	a, ok := d.byName[strings.ToLower(name)]
	return a, ok
}

// ByCode looks an attribute up by vendor id and code. Vendor 0 is the
// standard attribute space.
func (d *Dictionary) ByCode(vendorID uint32, code uint8) (*Attribute, bool) {
	a, ok := d.byCode[attrKey{vendorID, code}]
	return a, ok
}

// Vendor returns the vendor with the given id
func (d *Dictionary) Vendor(id uint32) (*Vendor, bool) {
	v, ok := d.vendorsByID[id]
	return v, ok
}

// VendorByName returns the vendor with the given name (case-insensitive)
func (d *Dictionary) VendorByName(name string) (*Vendor, bool) {
	v, ok := d.vendorsByName[strings.ToLower(name)]
	return v, ok
}

// Vendors returns the vendor table ordered by id
func (d *Dictionary) Vendors() []Vendor {
	out := make([]Vendor, 0, len(d.vendorsByID))
	for _, v := range d.vendorsByID {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Attributes returns the attributes of a vendor ordered by code
func (d *Dictionary) Attributes(vendorID uint32) []*Attribute {
	var out []*Attribute
	for k, a := range d.byCode {
		if k.vendor == vendorID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
