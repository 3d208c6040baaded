// Plaza uses flags and a single config file for configuration.
// A config file is a JSON object whose keys are flag names; nested objects only group flags and are flattened.

package config

import (
	"flag"
	"fmt"
	"math"
	"slices"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"
)

// skippedConfigFlags cannot be set from the config file itself.
var skippedConfigFlags = []string{"config_file"}

// structValueToString converts a JSON config value to its string representation suitable for flag setting.
func structValueToString(v *structpb.Value) (string, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue), nil
	case *structpb.Value_NumberValue:
		// JSON only has doubles; integral values are rendered without exponent so int flags accept them.
		if kind.NumberValue == math.Trunc(kind.NumberValue) && math.Abs(kind.NumberValue) < 1<<53 {
			return strconv.FormatInt(int64(kind.NumberValue), 10), nil
		}
		return strconv.FormatFloat(kind.NumberValue, 'g', -1, 64), nil
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	case *structpb.Value_NullValue:
		return "", fmt.Errorf("null values are not supported")
	case *structpb.Value_ListValue:
		return "", fmt.Errorf("list values are not supported")
	default:
		return "", fmt.Errorf("unsupported value kind %T", kind)
	}
}

// collectFlags flattens the config object into `flags`. Nested objects are recursed into, so
// {"cache": {"cache_posts_limit": 10}} and {"cache_posts_limit": 10} are equivalent.
func collectFlags(flags map[ /*flagName*/ string] /*flagValue*/ string, conf *structpb.Struct) error {
	for key, value := range conf.GetFields() {
		if nested := value.GetStructValue(); nested != nil {
			if err := collectFlags(flags, nested); err != nil {
				return err
			}
			continue
		}
		stringValue, err := structValueToString(value)
		if err != nil {
			return fmt.Errorf("failed to convert '%s': %w", key, err)
		}
		if _, alreadyExists := flags[key]; alreadyExists {
			return fmt.Errorf("flag '%s' has multiple entries in config", key)
		}
		flags[key] = stringValue
	}
	return nil
}

// setConfigFlags sets all the filled flags in the given `conf` to the global flag variables.
// Flags explicitly passed on the command line win over the config file.
func setConfigFlags(conf *structpb.Struct) error {
	configFlags := make(map[ /*flagName*/ string] /*flagValue*/ string)
	if err := collectFlags(configFlags, conf); err != nil {
		return fmt.Errorf("failed to collect flags: %w", err)
	}
	explicitFlags := make(map[string]struct{})
	flag.Visit(func(f *flag.Flag) { explicitFlags[f.Name] = struct{}{} })

	for flagName, flagValue := range configFlags {
		if slices.Contains(skippedConfigFlags, flagName) {
			return fmt.Errorf("flag '%s' cannot be set from a config file", flagName)
		}
		if _, isExplicit := explicitFlags[flagName]; isExplicit {
			continue
		}
		if flag.Lookup(flagName) == nil { // Reported by CollectUnknownKeys.
			continue
		}
		if setErr := flag.Set(flagName, flagValue); setErr != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, setErr)
		}
	}
	return nil
}

// CollectUnknownKeys returns an error for each config key that doesn't name a registered flag.
func CollectUnknownKeys(conf *structpb.Struct) []error {
	configFlags := make(map[string]string)
	if err := collectFlags(configFlags, conf); err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	for flagName := range configFlags {
		if flag.Lookup(flagName) == nil {
			errs = append(errs, fmt.Errorf("config key '%s' is not a registered flag", flagName))
		}
	}
	slices.SortFunc(errs, func(a, b error) int {
		if a.Error() < b.Error() {
			return -1
		}
		return 1
	})
	return errs
}
