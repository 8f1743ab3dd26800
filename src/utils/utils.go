// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides configuration loading and file helpers shared by the
// KMS binaries.
package utils

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lowRISC/opentitan-kms/src/version/buildver"
)

func PrintVersion(exit bool) string {
	ver := buildver.FormattedStr()
	if exit {
		fmt.Println(ver)
		os.Exit(0)
	}
	log.Print(ver)
	return ver
}

// ReadFile reads data from file.
// If succeed, ReadFile returns the data of the file as byte array;
// otherwise ReadFile returns an error.
func ReadFile(filename string) ([]byte, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil, fmt.Errorf("file does not exist: %q, error: %v",
			filename, err)
	}
	return os.ReadFile(filename)
}

func ReadFileFromDir(configDir, filename string) ([]byte, error) {
	absPath := filepath.Join(configDir, filename)
	data, err := ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read file: %q, error: %v", absPath, err)
	}
	return data, nil
}

// DecodeHex decodes a hex string, ignoring an optional "0x" prefix and any
// whitespace or ':' separators.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", "\n", "", "\t", "", ":", "").Replace(s)
	return hex.DecodeString(s)
}

// setDefaults fills every zero valued field of the struct pointed to by
// `config` from its `default` tag, recursing into nested structs.
func setDefaults(config interface{}) error {
	return setStructDefaults(reflect.ValueOf(config).Elem())
}

var durationType = reflect.TypeOf(time.Duration(0))

func setStructDefaults(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		if !field.IsExported() {
			continue
		}
		if value.Kind() == reflect.Struct {
			if err := setStructDefaults(value); err != nil {
				return err
			}
			continue
		}

		defaultTag := field.Tag.Get("default")
		if defaultTag == "" || !value.IsZero() {
			continue
		}
		if err := setValue(value, defaultTag); err != nil {
			return fmt.Errorf("bad default %q for field %s: %v", defaultTag, field.Name, err)
		}
	}
	return nil
}

func setValue(value reflect.Value, s string) error {
	if value.Type() == durationType {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		value.SetInt(int64(d))
		return nil
	}
	switch value.Kind() {
	case reflect.String:
		value.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		value.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 0, value.Type().Bits())
		if err != nil {
			return err
		}
		value.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 0, value.Type().Bits())
		if err != nil {
			return err
		}
		value.SetUint(n)
	case reflect.Slice:
		if value.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", value.Type())
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		value.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported kind %s", value.Kind())
	}
	return nil
}

// ParseConfig unmarshals Yaml `data` into the provided struct (v) and applies
// `default` tags to the fields left unset.
func ParseConfig(data []byte, v interface{}) error {
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal configuration file: %v", err)
	}
	return setDefaults(v)
}

// LoadConfig reads a Yaml configuration file from the specified path with
// filename and unmarshals it into the provided struct (v).
//
// Parameters:
//   - configDir:  The directory path of the Yaml configuration file.
//   - configFile: The file path of the Yaml configuration file.
//   - v:          A pointer to the struct where the configuration will be unmarshaled.
//
// Returns:
//   - An error if there was an issue reading or unmarshaling the configuration file.
func LoadConfig(configDir, configFile string, v interface{}) error {
	yamlData, err := ReadFileFromDir(configDir, configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration file: %v", err)
	}
	return ParseConfig(yamlData, v)
}
