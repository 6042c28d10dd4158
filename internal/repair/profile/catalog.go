package profile

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
	defaultErr  error
)

type catalogFile struct {
	Families []familyEntry `yaml:"families"`
}

type familyEntry struct {
	Family   Family         `yaml:"family"`
	Hints    []hintEntry    `yaml:"hints"`
	Profiles []profileEntry `yaml:"profiles"`
}

type hintEntry struct {
	Source string `yaml:"source"`
	Code   string `yaml:"code"`
}

type profileEntry struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
	Codec       Codec  `yaml:"codec"`
	SPS         string `yaml:"sps"`
	PPS         string `yaml:"pps"`
	VPS         string `yaml:"vps"`
}

// Catalog is an immutable lookup table of profiles per family.
type Catalog struct {
	profiles map[Family][]Profile
	index    map[Family]map[string]int
	hints    map[Family][]Hint
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCat, defaultErr = Parse(defaultCatalog)
	})
	return defaultCat, defaultErr
}

// LoadFile reads a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads a catalog from r.
func Load(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{
		profiles: make(map[Family][]Profile),
		index:    make(map[Family]map[string]int),
		hints:    make(map[Family][]Hint),
	}

	for _, fam := range file.Families {
		if fam.Family != FamilyLegacy && fam.Family != FamilyNewStyle {
			return nil, fmt.Errorf("catalog: unknown family %q", fam.Family)
		}
		if _, dup := c.index[fam.Family]; dup {
			return nil, fmt.Errorf("catalog: family %q listed twice", fam.Family)
		}
		c.index[fam.Family] = make(map[string]int)

		for _, e := range fam.Profiles {
			p, err := e.toProfile(fam.Family)
			if err != nil {
				return nil, err
			}
			key := normalize(p.Code)
			if _, dup := c.index[fam.Family][key]; dup {
				return nil, fmt.Errorf("catalog: %s code %q listed twice", fam.Family, p.Code)
			}
			c.index[fam.Family][key] = len(c.profiles[fam.Family])
			c.profiles[fam.Family] = append(c.profiles[fam.Family], p)
		}

		for _, h := range fam.Hints {
			if _, ok := c.index[fam.Family][normalize(h.Code)]; !ok {
				return nil, fmt.Errorf("catalog: %s hint %q refers to unknown code %q", fam.Family, h.Source, h.Code)
			}
			c.hints[fam.Family] = append(c.hints[fam.Family], Hint{Source: h.Source, Code: h.Code})
		}
	}

	return c, nil
}

func (e profileEntry) toProfile(fam Family) (Profile, error) {
	if e.Code == "" {
		return Profile{}, fmt.Errorf("catalog: %s profile without code", fam)
	}
	where := fmt.Sprintf("catalog: %s code %q", fam, e.Code)

	p := Profile{
		Family:      fam,
		Code:        e.Code,
		Description: e.Description,
		Codec:       e.Codec,
	}
	switch p.Codec {
	case CodecH264, CodecH265:
	case "":
		p.Codec = CodecH264
	default:
		return Profile{}, fmt.Errorf("%s: unknown codec %q", where, e.Codec)
	}

	var err error
	if p.SPS, err = parseBlob(where+" sps", e.SPS); err != nil {
		return Profile{}, err
	}
	if p.PPS, err = parseBlob(where+" pps", e.PPS); err != nil {
		return Profile{}, err
	}
	if e.VPS != "" {
		if p.VPS, err = parseBlob(where+" vps", e.VPS); err != nil {
			return Profile{}, err
		}
	}
	return p, nil
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Lookup finds a profile by code. Codes are case-insensitive.
func (c *Catalog) Lookup(fam Family, code string) (Profile, error) {
	idx, ok := c.index[fam][normalize(code)]
	if !ok {
		return Profile{}, fmt.Errorf("%w %q for %s streams (valid: %s)",
			ErrUnknownFormat, code, fam, strings.Join(c.Codes(fam), ", "))
	}
	return c.profiles[fam][idx], nil
}

// Profiles returns the family's profiles in display order.
func (c *Catalog) Profiles(fam Family) []Profile {
	out := make([]Profile, len(c.profiles[fam]))
	copy(out, c.profiles[fam])
	return out
}

// Hints returns device-based suggestions for the family.
func (c *Catalog) Hints(fam Family) []Hint {
	out := make([]Hint, len(c.hints[fam]))
	copy(out, c.hints[fam])
	return out
}

// Codes returns the family's codes in display order.
func (c *Catalog) Codes(fam Family) []string {
	codes := make([]string, 0, len(c.profiles[fam]))
	for _, p := range c.profiles[fam] {
		codes = append(codes, p.Code)
	}
	return codes
}

// Families returns the families present, sorted.
func (c *Catalog) Families() []Family {
	fams := make([]Family, 0, len(c.profiles))
	for f := range c.profiles {
		fams = append(fams, f)
	}
	sort.Slice(fams, func(i, j int) bool { return fams[i] < fams[j] })
	return fams
}
