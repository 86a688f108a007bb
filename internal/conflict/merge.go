package conflict

import (
	"sort"

	"github.com/kingrea/concord/internal/tree"
)

// frontField names the frontmatter block in overlap reports.
const frontField = "frontmatter"

// Merge unions the two sides field by field against base. Each side
// contributes the fields it touched; fields touched by both with different
// values are returned as overlapping and no content is produced.
func Merge(base, spec, code []byte) ([]byte, []string, error) {
	baseDoc := tree.ParseDocument(base)
	specDoc := tree.ParseDocument(spec)
	codeDoc := tree.ParseDocument(code)
	if specDoc.Format != codeDoc.Format {
		return nil, []string{"format"}, nil
	}

	baseFields := baseDoc.Map()
	specFields := specDoc.Map()
	codeFields := codeDoc.Map()
	specTouched := touched(baseFields, specFields)
	codeTouched := touched(baseFields, codeFields)

	var overlapping []string
	for name := range specTouched {
		if _, both := codeTouched[name]; !both {
			continue
		}
		specValue, specHas := specFields[name]
		codeValue, codeHas := codeFields[name]
		if specHas != codeHas || specValue != codeValue {
			overlapping = append(overlapping, name)
		}
	}
	baseFront, specFront, codeFront := string(baseDoc.Front), string(specDoc.Front), string(codeDoc.Front)
	if specFront != baseFront && codeFront != baseFront && specFront != codeFront {
		overlapping = append(overlapping, frontField)
	}
	if len(overlapping) > 0 {
		sort.Strings(overlapping)
		return nil, overlapping, nil
	}

	merged := specDoc
	merged.Fields = append([]tree.Field(nil), specDoc.Fields...)
	if codeFront != baseFront {
		merged.Front = codeDoc.Front
	}
	for _, field := range codeDoc.Fields {
		if _, ok := codeTouched[field.Name]; ok {
			merged.Set(field.Name, field.Value)
		}
	}
	for name := range codeTouched {
		if _, ok := codeFields[name]; !ok {
			merged.Remove(name)
		}
	}
	content, err := merged.Render()
	if err != nil {
		return nil, nil, err
	}
	return content, nil, nil
}

// touched lists fields added, removed, or changed relative to base.
func touched(base, side map[string]string) map[string]struct{} {
	out := map[string]struct{}{}
	for name, value := range side {
		if prev, ok := base[name]; !ok || prev != value {
			out[name] = struct{}{}
		}
	}
	for name := range base {
		if _, ok := side[name]; !ok {
			out[name] = struct{}{}
		}
	}
	return out
}
