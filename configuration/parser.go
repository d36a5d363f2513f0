package configuration

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Version is a major/minor version pair of the form Major.Minor.
// Major version upgrades indicate structure or type changes,
// minor version upgrades are strictly additive.
type Version string

// MajorMinorVersion constructs a Version from its Major and Minor components
func MajorMinorVersion(major, minor uint) Version {
	return Version(fmt.Sprintf("%d.%d", major, minor))
}

func (version Version) parts() (major, minor uint, err error) {
	majorPart, minorPart, ok := strings.Cut(string(version), ".")
	if !ok {
		return 0, 0, fmt.Errorf("version %q is not of the form major.minor", string(version))
	}
	maj, err := strconv.ParseUint(majorPart, 10, 0)
	if err != nil {
		return 0, 0, err
	}
	min, err := strconv.ParseUint(minorPart, 10, 0)
	if err != nil {
		return 0, 0, err
	}
	return uint(maj), uint(min), nil
}

// Major returns the major version portion of a Version
func (version Version) Major() uint {
	major, _, _ := version.parts()
	return major
}

// Minor returns the minor version portion of a Version
func (version Version) Minor() uint {
	_, minor, _ := version.parts()
	return minor
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
// Unmarshals a string of the form X.Y into a Version, validating that X and Y can represent uints
func (version *Version) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var versionString string
	if err := unmarshal(&versionString); err != nil {
		return err
	}

	newVersion := Version(versionString)
	if _, _, err := newVersion.parts(); err != nil {
		return err
	}

	*version = newVersion
	return nil
}

// VersionedParseInfo defines how a specific version of an options file should
// be parsed into the current version
type VersionedParseInfo struct {
	// Version is the version which this parsing information relates to
	Version Version
	// ParseAs defines the type which a file of this version should be
	// parsed into
	ParseAs reflect.Type
	// ConversionFunc converts the parsed value (of type ParseAs) into the
	// current version
	ConversionFunc func(interface{}) (interface{}, error)
}

// Parser parses a versioned options file and the environment into a unified
// output structure
type Parser struct {
	prefix  string
	mapping map[Version]VersionedParseInfo
	env     map[string]string
}

// NewParser returns a *Parser with the given environment prefix which handles
// versioned files matching the given parseInfos. The environment is captured
// when the parser is created.
func NewParser(prefix string, parseInfos []VersionedParseInfo) *Parser {
	p := Parser{prefix: prefix, mapping: make(map[Version]VersionedParseInfo), env: make(map[string]string)}

	for _, parseInfo := range parseInfos {
		p.mapping[parseInfo.Version] = parseInfo
	}

	for _, env := range os.Environ() {
		if k, v, ok := strings.Cut(env, "="); ok {
			p.env[k] = v
		}
	}

	return &p
}

// Parse reads in the given []byte and environment and writes the resulting
// value into the input v
//
// Environment variables may be used to override values other than version,
// following the scheme below:
// v.Abc may be replaced by the value of PREFIX_ABC,
// v.Abc.Xyz may be replaced by the value of PREFIX_ABC_XYZ,
// v.List[2].Name may be replaced by the value of PREFIX_LIST_2_NAME, and so forth
func (p *Parser) Parse(in []byte, v interface{}) error {
	var versionedStruct struct {
		Version Version
	}

	if err := yaml.Unmarshal(in, &versionedStruct); err != nil {
		return err
	}

	parseInfo, ok := p.mapping[versionedStruct.Version]
	if !ok {
		return fmt.Errorf("unsupported version: %q", versionedStruct.Version)
	}

	parseAs := reflect.New(parseInfo.ParseAs)
	if err := yaml.Unmarshal(in, parseAs.Interface()); err != nil {
		return err
	}

	if err := p.overwriteFields(parseAs, p.prefix); err != nil {
		return err
	}

	c, err := parseInfo.ConversionFunc(parseAs.Interface())
	if err != nil {
		return err
	}
	reflect.ValueOf(v).Elem().Set(reflect.Indirect(reflect.ValueOf(c)))
	return nil
}

func (p *Parser) overwriteFields(v reflect.Value, prefix string) error {
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			if !p.hasPrefix(prefix) || !v.CanSet() {
				return nil
			}
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = reflect.Indirect(v)
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			sf := v.Type().Field(i)
			if !sf.IsExported() {
				continue
			}
			fieldPrefix := strings.ToUpper(prefix + "_" + sf.Name)
			if e, ok := p.env[fieldPrefix]; ok {
				fieldVal := reflect.New(sf.Type)
				if err := yaml.Unmarshal([]byte(e), fieldVal.Interface()); err != nil {
					return fmt.Errorf("%s: %w", fieldPrefix, err)
				}
				v.Field(i).Set(reflect.Indirect(fieldVal))
			}
			if err := p.overwriteFields(v.Field(i), fieldPrefix); err != nil {
				return err
			}
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elemPrefix := fmt.Sprintf("%s_%d", prefix, i)
			if e, ok := p.env[strings.ToUpper(elemPrefix)]; ok {
				elemVal := reflect.New(v.Type().Elem())
				if err := yaml.Unmarshal([]byte(e), elemVal.Interface()); err != nil {
					return fmt.Errorf("%s: %w", strings.ToUpper(elemPrefix), err)
				}
				v.Index(i).Set(reflect.Indirect(elemVal))
			}
			if err := p.overwriteFields(v.Index(i), elemPrefix); err != nil {
				return err
			}
		}
	case reflect.Map:
		return p.overwriteMap(v, prefix)
	}
	return nil
}

// hasPrefix reports whether any environment variable overrides a value at
// or below prefix.
func (p *Parser) hasPrefix(prefix string) bool {
	prefix = strings.ToUpper(prefix)
	for key := range p.env {
		if key == prefix || strings.HasPrefix(key, prefix+"_") {
			return true
		}
	}
	return false
}

func (p *Parser) overwriteMap(m reflect.Value, prefix string) error {
	if m.IsNil() {
		if !p.hasPrefix(prefix) || !m.CanSet() {
			return nil
		}
		m.Set(reflect.MakeMap(m.Type()))
	}

	switch m.Type().Elem().Kind() {
	case reflect.Struct:
		for _, k := range m.MapKeys() {
			// Map values are not addressable; overwrite a copy and store it.
			elem := reflect.New(m.Type().Elem()).Elem()
			elem.Set(m.MapIndex(k))
			if err := p.overwriteFields(elem, strings.ToUpper(fmt.Sprintf("%s_%s", prefix, k))); err != nil {
				return err
			}
			m.SetMapIndex(k, elem)
		}
	case reflect.Map:
		for _, k := range m.MapKeys() {
			if err := p.overwriteMap(m.MapIndex(k), strings.ToUpper(fmt.Sprintf("%s_%s", prefix, k))); err != nil {
				return err
			}
		}
		return nil
	}

	envMapRegexp, err := regexp.Compile(fmt.Sprintf("^%s_([A-Z0-9]+)$", strings.ToUpper(prefix)))
	if err != nil {
		return err
	}
	for key, val := range p.env {
		if submatches := envMapRegexp.FindStringSubmatch(key); submatches != nil {
			mapValue := reflect.New(m.Type().Elem())
			if err := yaml.Unmarshal([]byte(val), mapValue.Interface()); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			m.SetMapIndex(reflect.ValueOf(strings.ToLower(submatches[1])).Convert(m.Type().Key()), reflect.Indirect(mapValue))
		}
	}
	return nil
}
