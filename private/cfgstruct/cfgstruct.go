// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package cfgstruct binds configuration structs to flags. Each leaf field
// declares its flag help text and default value via struct tags:
//
//	type Config struct {
//		Interval time.Duration `help:"how often to poll" default:"1s"`
//	}
//
// Nested structs become dot-separated flag prefixes, so the scheduler
// config field Interval binds as --scheduler.interval.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the default cfgstruct errs class.
var Error = errs.Class("cfgstruct")

// Bind registers flags for every leaf field of config, which must be a
// pointer to a struct. Flag values write directly into the struct fields.
func Bind(flags *pflag.FlagSet, config interface{}) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr || ptr.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %T, expected pointer to struct", config))
	}
	bindStruct(flags, "", ptr.Elem())
}

func bindStruct(flags *pflag.FlagSet, prefix string, val reflect.Value) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		fieldval := val.Field(i)
		name := hyphenate(field.Name)
		if prefix != "" {
			name = prefix + "." + name
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			bindStruct(flags, name, fieldval)
			continue
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		bindField(flags, name, help, def, fieldval, field)
	}
}

func bindField(flags *pflag.FlagSet, name, help, def string, fieldval reflect.Value, field reflect.StructField) {
	addr := fieldval.Addr().Interface()
	switch p := addr.(type) {
	case *time.Duration:
		val, err := time.ParseDuration(defaulted(def, "0s"))
		check(name, err)
		flags.DurationVar(p, name, val, help)
	case *string:
		flags.StringVar(p, name, def, help)
	case *bool:
		val, err := strconv.ParseBool(defaulted(def, "false"))
		check(name, err)
		flags.BoolVar(p, name, val, help)
	case *int:
		val, err := strconv.Atoi(defaulted(def, "0"))
		check(name, err)
		flags.IntVar(p, name, val, help)
	case *int64:
		val, err := strconv.ParseInt(defaulted(def, "0"), 10, 64)
		check(name, err)
		flags.Int64Var(p, name, val, help)
	case *float64:
		val, err := strconv.ParseFloat(defaulted(def, "0"), 64)
		check(name, err)
		flags.Float64Var(p, name, val, help)
	default:
		panic(fmt.Sprintf("invalid field type %v for flag %q", field.Type, name))
	}
}

// ApplyViper overrides flags that were not set on the command line with
// values from the viper instance (config file or environment).
func ApplyViper(flags *pflag.FlagSet, vip *viper.Viper) error {
	var group errs.Group
	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			return
		}
		if !vip.IsSet(flag.Name) {
			return
		}
		group.Add(flags.Set(flag.Name, vip.GetString(flag.Name)))
	})
	return Error.Wrap(group.Err())
}

func defaulted(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func check(name string, err error) {
	if err != nil {
		panic(fmt.Sprintf("invalid default for flag %q: %v", name, err))
	}
}

// hyphenate converts CamelCase field names into hyphen-separated flag names,
// e.g. MaxQueryPeriod -> max-query-period.
func hyphenate(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && (name[i-1] < 'A' || name[i-1] > 'Z') {
				b.WriteByte('-')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
