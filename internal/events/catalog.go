package events

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pmc/internal/pmu"
)

var ErrUnknownEvent = errors.New("unknown event")

// Catalog is a name-indexed set of event descriptors. Names are matched
// case-insensitively.
type Catalog struct {
	events map[string]pmu.EventDescriptor
	order  []string
}

func NewCatalog() *Catalog {
	return &Catalog{events: make(map[string]pmu.EventDescriptor)}
}

func key(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Add inserts desc, replacing any event with the same name.
func (c *Catalog) Add(desc pmu.EventDescriptor) {
	k := key(desc.Name)
	if _, ok := c.events[k]; !ok {
		c.order = append(c.order, desc.Name)
	}
	c.events[k] = desc
}

// Merge adds every event of other, which wins on name clashes.
func (c *Catalog) Merge(other *Catalog) {
	for _, name := range other.order {
		c.Add(other.events[key(name)])
	}
}

// Lookup returns the descriptor named name.
func (c *Catalog) Lookup(name string) (pmu.EventDescriptor, error) {
	desc, ok := c.events[key(name)]
	if !ok {
		return pmu.EventDescriptor{}, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	return desc, nil
}

// Names returns event names in insertion order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

func (c *Catalog) Len() int { return len(c.order) }

// catalogFile is the on-disk catalog layout.
type catalogFile struct {
	Events []eventEntry `yaml:"events"`
}

type eventEntry struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	EventCode   codeTuple `yaml:"eventCode,omitempty"`
	UnitMask    codeTuple `yaml:"unitMask,omitempty"`
	CounterMask uint8     `yaml:"counterMask,omitempty"`
	EdgeDetect  bool      `yaml:"edgeDetect,omitempty"`
	AnyThread   bool      `yaml:"anyThread,omitempty"`
	Invert      bool      `yaml:"invert,omitempty"`

	// Counter is "fixed:N", a comma-separated list of general counters, or
	// empty for any general counter.
	Counter string `yaml:"counter,omitempty"`
}

// codeTuple accepts a scalar ("0x3C", 60, "0xB7,0xBB") or a sequence of up
// to two values.
type codeTuple pmu.Tuple

func (t *codeTuple) UnmarshalYAML(n *yaml.Node) error {
	var parts []string
	switch n.Kind {
	case yaml.ScalarNode:
		if strings.TrimSpace(n.Value) != "" {
			parts = strings.Split(n.Value, ",")
		}
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: code values must be scalars", item.Line)
			}
			parts = append(parts, item.Value)
		}
	default:
		return fmt.Errorf("line %d: expected code value or list", n.Line)
	}
	if len(parts) > 2 {
		return fmt.Errorf("line %d: at most two code values, got %d", n.Line, len(parts))
	}

	t.Values = nil
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 0, 8)
		if err != nil {
			return fmt.Errorf("line %d: code value %q: %w", n.Line, p, err)
		}
		t.Values = append(t.Values, uint8(v))
	}
	return nil
}

func (t codeTuple) MarshalYAML() (any, error) {
	switch len(t.Values) {
	case 0:
		return nil, nil
	case 1:
		return fmt.Sprintf("0x%02X", t.Values[0]), nil
	default:
		return fmt.Sprintf("0x%02X,0x%02X", t.Values[0], t.Values[1]), nil
	}
}

func parseTarget(s string) (pmu.Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pmu.Target{}, nil
	}
	if rest, ok := strings.CutPrefix(s, "fixed:"); ok {
		idx, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 8)
		if err != nil {
			return pmu.Target{}, fmt.Errorf("fixed counter %q: %w", rest, err)
		}
		return pmu.Target{Fixed: true, FixedIndex: uint8(idx)}, nil
	}

	var allowed uint64
	for _, p := range strings.Split(s, ",") {
		idx, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil || idx >= 64 {
			return pmu.Target{}, fmt.Errorf("general counter %q: invalid index", p)
		}
		allowed |= uint64(1) << idx
	}
	return pmu.Target{Allowed: allowed}, nil
}

func formatTarget(t pmu.Target) string {
	if t.Fixed {
		return fmt.Sprintf("fixed:%d", t.FixedIndex)
	}
	var parts []string
	for i := 0; i < 64; i++ {
		if t.Allowed&(uint64(1)<<i) != 0 {
			parts = append(parts, strconv.Itoa(i))
		}
	}
	return strings.Join(parts, ",")
}

func (e eventEntry) descriptor() (pmu.EventDescriptor, error) {
	if strings.TrimSpace(e.Name) == "" {
		return pmu.EventDescriptor{}, fmt.Errorf("event without name")
	}
	target, err := parseTarget(e.Counter)
	if err != nil {
		return pmu.EventDescriptor{}, fmt.Errorf("event %s: %w", e.Name, err)
	}
	if !target.Fixed && len(e.EventCode.Values) == 0 {
		return pmu.EventDescriptor{}, fmt.Errorf("event %s: missing event code", e.Name)
	}
	return pmu.EventDescriptor{
		Name:        e.Name,
		Description: e.Description,
		EventCode:   pmu.Tuple(e.EventCode),
		UnitMask:    pmu.Tuple(e.UnitMask),
		EdgeDetect:  e.EdgeDetect,
		AnyThread:   e.AnyThread,
		Invert:      e.Invert,
		CounterMask: e.CounterMask,
		Counter:     target,
	}, nil
}

// Parse decodes a YAML event catalog.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := NewCatalog()
	for _, entry := range file.Events {
		desc, err := entry.descriptor()
		if err != nil {
			return nil, err
		}
		c.Add(desc)
	}
	return c, nil
}

// Load reads and decodes the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Write encodes c as YAML to path.
func Write(path string, c *Catalog) error {
	var file catalogFile
	for _, name := range c.order {
		desc := c.events[key(name)]
		file.Events = append(file.Events, eventEntry{
			Name:        desc.Name,
			Description: desc.Description,
			EventCode:   codeTuple(desc.EventCode),
			UnitMask:    codeTuple(desc.UnitMask),
			CounterMask: desc.CounterMask,
			EdgeDetect:  desc.EdgeDetect,
			AnyThread:   desc.AnyThread,
			Invert:      desc.Invert,
			Counter:     formatTarget(desc.Counter),
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create catalog: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&file); err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close catalog: %w", err)
	}
	return nil
}
