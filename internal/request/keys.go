package request

import (
	"strconv"
	"strings"
)

// Components lists the identities of registered engine components. They are
// part of the keys because swapping a decoder changes the produced pixels.
type Components struct {
	Decoders            []string
	DecodeInterceptors  []string
	RequestInterceptors []string
}

// keyBuilder appends "&name=value" segments in call order.
type keyBuilder struct {
	b strings.Builder
}

func (k *keyBuilder) add(name, value string) {
	k.b.WriteString("&_")
	k.b.WriteString(name)
	k.b.WriteByte('=')
	k.b.WriteString(value)
}

func (k *keyBuilder) addList(name string, values []string) {
	if len(values) == 0 {
		return
	}
	k.add(name, "["+strings.Join(values, ",")+"]")
}

// DisplayKey renders every attribute of req that differs from its default.
// size is the resolved target size before the multiplier.
func DisplayKey(req *ImageRequest, size Size, comps Components) string {
	return buildKey(req, size, comps, false)
}

// CacheKey renders only the attributes that change the decoded pixels. Two
// requests share a cache key iff they may share a cached result.
func CacheKey(req *ImageRequest, size Size, comps Components) string {
	return buildKey(req, size, comps, true)
}

// buildKey walks the attributes in a fixed order: depth, parameters, headers,
// download policy, size, multiplier, precision, scale, decode hints,
// transformations, result policy, animation flag, resize-on-draw, memory
// policy, transition, decoders, decode interceptors, request interceptors.
func buildKey(req *ImageRequest, size Size, comps Components, cacheOnly bool) string {
	var k keyBuilder
	k.b.WriteString(req.uri)

	if !cacheOnly && req.depth != DepthNetwork {
		k.add("depth", req.depth.String())
	}
	params := req.parameters.Key()
	if cacheOnly {
		params = req.parameters.CacheKey()
	}
	if params != "" {
		k.add("parameters", params)
	}
	if !cacheOnly {
		if h := headersKey(req.httpHeaders); h != "" {
			k.add("httpHeaders", h)
		}
		if req.downloadCachePolicy != Enabled {
			k.add("downloadCachePolicy", req.downloadCachePolicy.String())
		}
	}
	if !size.IsEmpty() {
		k.add("size", size.String())
	}
	if req.sizeMultiplier != 1 && req.sizeMultiplier > 0 {
		k.add("sizeMultiplier", strconv.FormatFloat(req.sizeMultiplier, 'f', -1, 64))
	}
	if req.precision != LessPixels {
		k.add("precision", req.precision.String())
	}
	if req.scale != CenterCrop {
		k.add("scale", req.scale.String())
	}
	if !req.hints.IsDefault() {
		k.add("decodeHints", req.hints.Key())
	}
	if len(req.transformations) > 0 {
		names := make([]string, len(req.transformations))
		for i, t := range req.transformations {
			names[i] = t.Key()
		}
		k.addList("transformations", names)
	}
	if !cacheOnly && req.resultCachePolicy != Enabled {
		k.add("resultCachePolicy", req.resultCachePolicy.String())
	}
	if req.disallowAnimatedImage {
		k.add("disallowAnimatedImage", "true")
	}
	if !cacheOnly {
		if req.resizeOnDraw {
			k.add("resizeOnDraw", "true")
		}
		if req.memoryCachePolicy != Enabled {
			k.add("memoryCachePolicy", req.memoryCachePolicy.String())
		}
		if req.transition != "" {
			k.add("transitionFactory", req.transition)
		}
	}
	k.addList("decoders", comps.Decoders)
	k.addList("decodeInterceptors", comps.DecodeInterceptors)
	if !cacheOnly {
		k.addList("requestInterceptors", comps.RequestInterceptors)
	}
	return k.b.String()
}
