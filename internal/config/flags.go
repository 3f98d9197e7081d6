package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/fatih/structs"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/yudai/hcl"
)

// EnvPrefix prefixes the environment variable generated for every flag.
const EnvPrefix = "MPYREPL_"

// GenerateFlags builds one cli flag per tagged field of each options struct.
// Current field values become the flag defaults. mappings maps flag names
// back to field names for ApplyFlags.
func GenerateFlags(options ...interface{}) (flags []cli.Flag, mappings map[string]string, err error) {
	mappings = make(map[string]string)

	for _, struct_ := range options {
		o := structs.New(struct_)
		for _, field := range o.Fields() {
			flagName := field.Tag("flagName")
			if flagName == "" {
				continue
			}
			envName := EnvPrefix + strings.ToUpper(strings.Join(strings.Split(flagName, "-"), "_"))
			mappings[flagName] = field.Name()

			var aliases []string
			if short := field.Tag("flagSName"); short != "" {
				aliases = []string{short}
			}
			usage := field.Tag("flagDescribe")

			switch field.Kind() {
			case reflect.String:
				flags = append(flags, &cli.StringFlag{
					Name:    flagName,
					Aliases: aliases,
					Value:   field.Value().(string),
					Usage:   usage,
					EnvVars: []string{envName},
				})
			case reflect.Bool:
				flags = append(flags, &cli.BoolFlag{
					Name:    flagName,
					Aliases: aliases,
					Value:   field.Value().(bool),
					Usage:   usage,
					EnvVars: []string{envName},
				})
			case reflect.Int:
				flags = append(flags, &cli.IntFlag{
					Name:    flagName,
					Aliases: aliases,
					Value:   field.Value().(int),
					Usage:   usage,
					EnvVars: []string{envName},
				})
			default:
				return nil, nil, errors.Errorf("unsupported type for flag %s: %s", flagName, field.Kind())
			}
		}
	}

	return
}

// ApplyFlags copies every flag the user set back into the options structs.
func ApplyFlags(mappingHint map[string]string, c *cli.Context, options ...interface{}) {
	objects := make([]*structs.Struct, len(options))
	for i, struct_ := range options {
		objects[i] = structs.New(struct_)
	}

	for flagName, fieldName := range mappingHint {
		if !c.IsSet(flagName) {
			continue
		}
		var field *structs.Field
		var ok bool
		for _, o := range objects {
			field, ok = o.FieldOk(fieldName)
			if ok {
				break
			}
		}
		if !ok {
			continue
		}

		var val interface{}
		switch field.Kind() {
		case reflect.String:
			val = c.String(flagName)
		case reflect.Bool:
			val = c.Bool(flagName)
		case reflect.Int:
			val = c.Int(flagName)
		}
		field.Set(val)
	}
}

// ApplyDefaultValues sets every field to the value of its default tag.
func ApplyDefaultValues(struct_ interface{}) (err error) {
	o := structs.New(struct_)

	for _, field := range o.Fields() {
		defaultValue := field.Tag("default")
		if defaultValue == "" {
			continue
		}
		var val interface{}
		switch field.Kind() {
		case reflect.String:
			val = defaultValue
		case reflect.Bool:
			switch defaultValue {
			case "true":
				val = true
			case "false":
				val = false
			default:
				return errors.Errorf("invalid bool expression: %v, use true/false", defaultValue)
			}
		case reflect.Int:
			val, err = strconv.Atoi(defaultValue)
			if err != nil {
				return errors.Wrapf(err, "invalid default for %s", field.Name())
			}
		default:
			return errors.Errorf("unsupported type for default of %s: %s", field.Name(), field.Kind())
		}
		if err := field.Set(val); err != nil {
			return errors.Wrapf(err, "failed to set default of %s", field.Name())
		}
	}
	return nil
}

// ApplyConfigFile decodes an HCL file into the options structs. A missing
// file is not an error.
func ApplyConfigFile(filePath string, options ...interface{}) error {
	filePath = ExpandHome(filePath)
	fileString, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", filePath)
	}

	for _, object := range options {
		if err := hcl.Decode(object, string(fileString)); err != nil {
			return errors.Wrapf(err, "failed to parse config file %s", filePath)
		}
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func quoteArg(s string) string {
	return shellquote.Join(s)
}
