// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layerkit/internal/fsutil"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
)

// RootScope of the policies, where the default values of the settable hyperparameters are defined.
const RootScope = "/"

// ParsePolicySettings from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in the root scope of policies. The default values are also used to set the type to which the
// string values will be parsed to.
//
// One can also provide a scope for the parameters: "/model/iter/learning_rate=0.1"
// will work, as long as a default "learning_rate" is defined in the root scope.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// A setting "file:<path>" reads the settings from the file, one or more per line. Lines starting with "#"
// are comments.
//
// It returns the list of parameters set.
//
// Example usage:
//
//	func main() {
//		policies := createDefaultPolicies()
//		settings := commandline.CreatePolicySettingsFlag(policies, "")
//		flag.Parse()
//		paramsSet, err := commandline.ParsePolicySettings(policies, *settings)
//		if err != nil { klog.Fatalf("%+v", err) }
//		fmt.Println(commandline.SprintModifiedPolicies(policies, paramsSet))
//		...
//	}
func ParsePolicySettings(policies *layers.Policies, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parsePolicySetting(policies, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parsePolicySetting(policies *layers.Policies, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		return parsePolicySettingsFile(policies, filePath, newParamsSet)
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found {
		err = errors.Wrapf(layers.ErrMisconfiguration,
			"can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	paramScope, paramName := RootScope, paramPath
	if idx := strings.LastIndex(paramPath, "/"); idx >= 0 {
		if !strings.HasPrefix(paramPath, "/") {
			err = errors.Wrapf(layers.ErrMisconfiguration,
				"can't set parameter %q because its scope is not absolute (it does not start with \"/\")", paramPath)
			return
		}
		paramScope, paramName = paramPath[:idx], paramPath[idx+1:]
	}
	defaultValue, found := policies.Get(RootScope, paramName)
	if !found {
		err = errors.Wrapf(layers.ErrMisconfiguration,
			"can't set parameter %q because the param %q has no default value in the root scope", paramPath, paramName)
		return
	}
	value, err := parseValueAs(defaultValue, valueStr)
	if err != nil {
		err = errors.Wrapf(layers.ErrMisconfiguration, "failed to parse value %q for parameter %q (default value is %#v): %v",
			valueStr, paramPath, defaultValue, err)
		return
	}
	policies.Set(paramScope, paramName, value)
	if err = policies.Err(); err != nil {
		return
	}
	newParamsSet = append(newParamsSet, paramPath)
	return
}

// parsePolicySettingsFile reads settings from a file: new-lines work as ";".
func parsePolicySettingsFile(policies *layers.Policies, filePath string, paramsSet []string) ([]string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parsePolicySetting(policies, setting, paramsSet)
			if err != nil {
				return nil, err
			}
		}
	}
	return paramsSet, nil
}

// parseValueAs parses valueStr to the same type as defaultValue.
func parseValueAs(defaultValue any, valueStr string) (value any, err error) {
	intStr := strings.ReplaceAll(valueStr, "_", "")
	switch v := defaultValue.(type) {
	case int:
		err = json.Unmarshal([]byte(intStr), &v)
		value = v
	case int32:
		err = json.Unmarshal([]byte(intStr), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(intStr), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float32:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case dtypes.DType:
		value, err = parseDType(valueStr)
	case []string:
		value = strings.Split(valueStr, ",")
	case []int:
		var list []int
		for _, part := range strings.Split(valueStr, ",") {
			var asInt int
			if err = json.Unmarshal([]byte(strings.ReplaceAll(part, "_", "")), &asInt); err != nil {
				return nil, err
			}
			list = append(list, asInt)
		}
		value = list
	case []float64:
		var list []float64
		for _, part := range strings.Split(valueStr, ",") {
			var asNum float64
			if err = json.Unmarshal([]byte(part), &asNum); err != nil {
				return nil, err
			}
			list = append(list, asNum)
		}
		value = list
	default:
		err = errors.Errorf("don't know how to parse type %T", defaultValue)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// settableDTypes are the dtypes that can be parsed by name.
var settableDTypes = []dtypes.DType{dtypes.Float64, dtypes.Float32, dtypes.Float16, dtypes.BFloat16,
	dtypes.Int64, dtypes.Int32}

func parseDType(name string) (dtypes.DType, error) {
	for _, dtype := range settableDTypes {
		if strings.EqualFold(dtype.String(), name) {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q, valid values are %v", name, settableDTypes)
}

// CreatePolicySettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters currently defined in the root scope of policies.
//
// The flag should be created before the call to `flags.Parse()`.
// See ParsePolicySettings for an example.
func CreatePolicySettingsFlag(policies *layers.Policies, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts,
		`Set policies (hyperparameters) of the model. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Scoped settings are allowed, by using "/" to separated scopes, e.g. "/model/iter/update=true". `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Current available parameters that can be set:`)
	policies.Enumerate(func(scope, key string, value any) {
		if scope != RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintPolicies pretty-prints all the values of the policies into a string.
func SprintPolicies(policies *layers.Policies) string {
	var parts []string
	policies.Enumerate(func(scope, key string, value any) {
		if scope == RootScope {
			scope = ""
		}
		parts = append(parts, fmt.Sprintf("\t\"%s/%s\": (%T) %v", scope, key, value, value))
	})
	return strings.Join(parts, "\n")
}

// SprintModifiedPolicies pretty-prints the values of the parameters set, as returned by ParsePolicySettings.
func SprintModifiedPolicies(policies *layers.Policies, paramsSet []string) string {
	var parts []string
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	for _, paramPath := range slices.Compact(paramsSet) {
		paramScope, paramName := RootScope, paramPath
		if idx := strings.LastIndex(paramPath, "/"); idx >= 0 {
			paramScope, paramName = paramPath[:idx], paramPath[idx+1:]
		}
		value, found := policies.Get(paramScope, paramName)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(parts, "\n")
}
