package configuration

import (
	"os"
	"reflect"
	"testing"

	"gopkg.in/check.v1"
)

func Test(t *testing.T) { check.TestingT(t) }

type localOptions struct {
	Version Version        `yaml:"version"`
	Log     *Log           `yaml:"log"`
	Layers  []Layer        `yaml:"layers,omitempty"`
	Env     map[string]int `yaml:"env,omitempty"`
}

type Log struct {
	Formatter string `yaml:"formatter,omitempty"`
}

type Layer struct {
	Name string `yaml:"name"`
}

var expectedOptions = localOptions{
	Version: "0.1",
	Log: &Log{
		Formatter: "json",
	},
	Layers: []Layer{
		{Name: "dependencies"},
		{Name: "resources"},
		{Name: "classes"},
	},
}

const testOptions = `version: "0.1"
log:
  formatter: "text"
layers:
  - name: "dependencies"
  - name: "resources"
  - name: "classes"`

func identityParseInfo() []VersionedParseInfo {
	return []VersionedParseInfo{
		{
			Version: "0.1",
			ParseAs: reflect.TypeOf(localOptions{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				return c, nil
			},
		},
	}
}

type ParserSuite struct{}

var _ = check.Suite(new(ParserSuite))

func (suite *ParserSuite) TestParserOverwriteInitializedPointer(c *check.C) {
	options := localOptions{}

	os.Setenv("TEST_LOG_FORMATTER", "json")
	defer os.Unsetenv("TEST_LOG_FORMATTER")

	p := NewParser("test", identityParseInfo())

	err := p.Parse([]byte(testOptions), &options)
	c.Assert(err, check.IsNil)
	c.Assert(options, check.DeepEquals, expectedOptions)
}

const testOptions2 = `version: "0.1"
layers:
  - name: "val1"
  - name: "val2"
  - name: "classes"`

func (suite *ParserSuite) TestParseOverwriteUninitializedPointer(c *check.C) {
	options := localOptions{}

	os.Setenv("TEST_LOG_FORMATTER", "json")
	defer os.Unsetenv("TEST_LOG_FORMATTER")

	// override only the first two layers and leave the last unchanged.
	os.Setenv("TEST_LAYERS_0_NAME", "dependencies")
	defer os.Unsetenv("TEST_LAYERS_0_NAME")
	os.Setenv("TEST_LAYERS_1_NAME", "resources")
	defer os.Unsetenv("TEST_LAYERS_1_NAME")

	p := NewParser("test", identityParseInfo())

	err := p.Parse([]byte(testOptions2), &options)
	c.Assert(err, check.IsNil)
	c.Assert(options, check.DeepEquals, expectedOptions)
}

func (suite *ParserSuite) TestParseMapFromEnvironment(c *check.C) {
	options := localOptions{}

	os.Setenv("TEST_ENV_WORKERS", "4")
	defer os.Unsetenv("TEST_ENV_WORKERS")

	p := NewParser("test", identityParseInfo())

	err := p.Parse([]byte(testOptions), &options)
	c.Assert(err, check.IsNil)
	c.Assert(options.Env, check.DeepEquals, map[string]int{"workers": 4})
}

func (suite *ParserSuite) TestParseBadEnvironmentValue(c *check.C) {
	options := localOptions{}

	os.Setenv("TEST_ENV_WORKERS", "many")
	defer os.Unsetenv("TEST_ENV_WORKERS")

	p := NewParser("test", identityParseInfo())

	err := p.Parse([]byte(testOptions), &options)
	c.Assert(err, check.ErrorMatches, "(?s)TEST_ENV_WORKERS: .*")
}

func (suite *ParserSuite) TestParseUnsupportedVersion(c *check.C) {
	options := localOptions{}
	p := NewParser("test", identityParseInfo())

	err := p.Parse([]byte(`version: "9.9"`), &options)
	c.Assert(err, check.ErrorMatches, `unsupported version: "9.9"`)

	err = p.Parse([]byte(`version: "one"`), &options)
	c.Assert(err, check.NotNil)
}

func (suite *ParserSuite) TestVersionParts(c *check.C) {
	v := MajorMinorVersion(2, 7)
	c.Assert(v, check.Equals, Version("2.7"))
	c.Assert(v.Major(), check.Equals, uint(2))
	c.Assert(v.Minor(), check.Equals, uint(7))
}
