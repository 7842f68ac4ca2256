package chain

// ParseBool interprets a layer parameter value the same way the
// ambient config layer does (nbd.IsTrue): "true", "false", or "" (=
// false), anything else is an error. Grounded on nbd/config.go's
// IsTrue/IsFalse/IsTrueFalse family, lifted into chain so layer
// factories don't need to import the nbd package.
func ParseBool(v string) (bool, error) {
	switch v {
	case "true":
		return true, nil
	case "false", "":
		return false, nil
	default:
		return false, rangeErrf("unknown boolean value: %s", v)
	}
}

// ErrMissingParam reports that layer required a parameter that was
// not given.
func ErrMissingParam(layer, param string) error {
	return rangeErrf("layer %q requires parameter %q", layer, param)
}

// ErrBadParam reports that layer was given an unusable value for
// param.
func ErrBadParam(layer, param, value string) error {
	return rangeErrf("layer %q: parameter %q has invalid value %q", layer, param, value)
}
