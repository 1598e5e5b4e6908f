package clix

import (
	"reflect"
	"time"

	"github.com/urfave/cli/v2"
)

var (
	durationType = reflect.TypeOf(time.Duration(0))
	stringsType  = reflect.TypeOf([]string{})
	intsType     = reflect.TypeOf([]int{})
)

// Parse fills a config struct from the cli context. Fields are bound to flags with
// the `cli:"flag-name"` tag, untagged struct fields are walked recursively.
func Parse[A any](c *cli.Context) A {
	var cfg A
	assign(c, reflect.ValueOf(&cfg).Elem())
	return cfg
}

func assign(c *cli.Context, val reflect.Value) {
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := val.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}

		tag := fieldType.Tag.Get("cli")
		if tag == "" {
			if field.Kind() == reflect.Struct {
				assign(c, field)
			}
			continue
		}
		if !c.IsSet(tag) && c.Value(tag) == nil {
			continue
		}

		switch {
		case field.Type() == durationType:
			field.Set(reflect.ValueOf(c.Duration(tag)))
		case field.Type() == stringsType:
			field.Set(reflect.ValueOf(c.StringSlice(tag)))
		case field.Type() == intsType:
			field.Set(reflect.ValueOf(c.IntSlice(tag)))
		default:
			switch field.Kind() {
			case reflect.String:
				field.SetString(c.String(tag))
			case reflect.Int:
				field.SetInt(int64(c.Int(tag)))
			case reflect.Int64:
				field.SetInt(c.Int64(tag))
			case reflect.Uint:
				field.SetUint(uint64(c.Uint(tag)))
			case reflect.Bool:
				field.SetBool(c.Bool(tag))
			case reflect.Float64:
				field.SetFloat(c.Float64(tag))
			}
		}
	}
}
