package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// LookupFunc источник переменных окружения, совместимый с os.LookupEnv
type LookupFunc func(key string) (string, bool)

func typeOf(cfg *Config) reflect.Type {
	return reflect.TypeOf(cfg).Elem()
}

// ApplyEnv переносит переменные окружения в поля cfg. Имя переменной
// строится из json тегов: prefix + SECTION_FIELD в верхнем регистре,
// например WEBPHONE_COORDINATOR_WATCHDOG_TIMEOUT.
func ApplyEnv(cfg *Config, prefix string, lookup LookupFunc) error {
	return applyEnv(reflect.ValueOf(cfg).Elem(), prefix, lookup)
}

func applyEnv(v reflect.Value, prefix string, lookup LookupFunc) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if !field.CanSet() {
			continue
		}
		name := jsonName(sf)
		if name == "" {
			continue
		}
		env := prefix + strings.ToUpper(name)

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			if err := applyEnv(field, env+"_", lookup); err != nil {
				return err
			}
			continue
		}

		value, ok := lookup(env)
		if !ok {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, env, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	default:
		return fmt.Errorf("тип %s не поддерживается", field.Type())
	}
	return nil
}

func parseDuration(value string) (time.Duration, error) {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(n), nil
	}
	return time.ParseDuration(value)
}

// normalizeDurations заменяет строковые длительности в разобранном JSON
// на наносекунды, чтобы encoding/json мог заполнить time.Duration
func normalizeDurations(raw any, t reflect.Type) error {
	obj, ok := raw.(map[string]any)
	if !ok || t.Kind() != reflect.Struct {
		return nil
	}

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name := jsonName(sf)
		if name == "" {
			continue
		}
		key, val, found := lookupKey(obj, name)
		if !found {
			continue
		}

		switch {
		case sf.Type == durationType:
			s, isString := val.(string)
			if !isString {
				continue
			}
			d, err := parseDuration(s)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			obj[key] = int64(d)
		case sf.Type.Kind() == reflect.Struct:
			if err := normalizeDurations(val, sf.Type); err != nil {
				return fmt.Errorf("%s.%w", name, err)
			}
		}
	}
	return nil
}

// lookupKey ищет ключ без учета регистра, как это делает encoding/json
func lookupKey(obj map[string]any, name string) (string, any, bool) {
	if v, ok := obj[name]; ok {
		return name, v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, name) {
			return k, v, true
		}
	}
	return "", nil, false
}

func jsonName(sf reflect.StructField) string {
	tag := sf.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return ""
	}
	return name
}
