package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse reads a comma separated transformation list such as
// "blur:8,grayscale,rotate:90,circle:start,rounded:12,mask:#ff0000:0.4".
func Parse(list string) ([]Transformation, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}

	var out []Transformation
	for _, item := range strings.Split(list, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		name := strings.ToLower(parts[0])
		args := parts[1:]

		switch name {
		case "blur":
			r, err := floatArg(name, args, 0, 10)
			if err != nil {
				return nil, err
			}
			out = append(out, Blur{Radius: r})
		case "grayscale", "gray":
			out = append(out, Grayscale{})
		case "rotate":
			d, err := floatArg(name, args, 0, 90)
			if err != nil {
				return nil, err
			}
			out = append(out, Rotate{Degrees: d})
		case "circle":
			anchor := AnchorCenter
			if len(args) > 0 {
				switch strings.ToLower(args[0]) {
				case "start":
					anchor = AnchorStart
				case "end":
					anchor = AnchorEnd
				case "center":
				default:
					return nil, fmt.Errorf("invalid circle anchor: %s", args[0])
				}
			}
			out = append(out, CircleCrop{Anchor: anchor})
		case "rounded":
			r, err := floatArg(name, args, 0, 16)
			if err != nil {
				return nil, err
			}
			out = append(out, RoundedCorners{Radius: int(r)})
		case "mask":
			if len(args) == 0 {
				return nil, fmt.Errorf("mask requires a color")
			}
			alpha, err := floatArg(name, args, 1, 0.5)
			if err != nil {
				return nil, err
			}
			m, err := NewMask(args[0], alpha)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		default:
			return nil, fmt.Errorf("unknown transformation: %s", name)
		}
	}
	return out, nil
}

func floatArg(name string, args []string, i int, def float64) (float64, error) {
	if len(args) <= i || args[i] == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(args[i], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s argument %q: %w", name, args[i], err)
	}
	return v, nil
}
