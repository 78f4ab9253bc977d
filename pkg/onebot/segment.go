package onebot

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Segment is one structured piece of a message: plain text, an @mention,
// an image, a reply reference, or an unrecognized passthrough.
type Segment struct {
	Type      string
	Text      string
	AtQQ      string
	IsSelf    bool
	ImageURL  string
	ImageFile string
	ReplyID   string
	Raw       string
}

// ParseResult carries the flattened text alongside the structured
// segments. Mentioned is true when an at segment targets selfID or "all".
type ParseResult struct {
	Text       string
	Mentioned  bool
	HasUnknown bool
	Segments   []Segment
}

var cqPattern = regexp.MustCompile(`\[CQ:([a-zA-Z0-9_]+)(?:,([^\]]*))?\]`)

// ParseMessageContent accepts either wire shape of the message field: a
// CQ-code string or a segment array. When neither parses, raw_message is
// used as plain text.
func ParseMessageContent(raw json.RawMessage, rawMessage string, selfID int64) ParseResult {
	if len(raw) == 0 {
		return parseCQString(rawMessage, rawMessage, selfID)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseCQString(s, rawMessage, selfID)
	}

	var segments []map[string]interface{}
	if err := json.Unmarshal(raw, &segments); err == nil {
		return parseSegmentArray(segments, rawMessage, selfID)
	}

	trimmedRaw := strings.TrimSpace(rawMessage)
	if trimmedRaw == "" {
		return ParseResult{}
	}
	return ParseResult{
		Text:     trimmedRaw,
		Segments: []Segment{{Type: "text", Text: trimmedRaw}},
	}
}

func parseSegmentArray(segments []map[string]interface{}, rawMessage string, selfID int64) ParseResult {
	var text strings.Builder
	mentioned := false
	unknownSegment := false
	parsed := make([]Segment, 0, len(segments))
	selfIDStr := strconv.FormatInt(selfID, 10)

	for _, seg := range segments {
		segType, _ := seg["type"].(string)
		data, _ := seg["data"].(map[string]interface{})
		switch segType {
		case "text":
			if data != nil {
				if t, ok := data["text"].(string); ok {
					text.WriteString(t)
					parsed = append(parsed, Segment{Type: "text", Text: t})
				}
			}
		case "at":
			qqVal := ""
			if data != nil {
				qqVal = segmentDataString(data["qq"])
			}
			isSelf := selfID > 0 && (qqVal == selfIDStr || qqVal == "all")
			if isSelf {
				mentioned = true
			}
			parsed = append(parsed, Segment{Type: "at", AtQQ: qqVal, IsSelf: isSelf})
		case "image":
			seg := Segment{Type: "image"}
			if data != nil {
				seg.ImageURL = segmentDataString(data["url"])
				seg.ImageFile = segmentDataString(data["file"])
			}
			parsed = append(parsed, seg)
		case "reply":
			seg := Segment{Type: "reply"}
			if data != nil {
				seg.ReplyID = segmentDataString(data["id"])
			}
			parsed = append(parsed, seg)
		default:
			unknownSegment = true
			segRaw := ""
			if segJSON, err := json.Marshal(seg); err == nil {
				segRaw = string(segJSON)
			}
			parsed = append(parsed, Segment{Type: "unknown", Raw: segRaw})
		}
	}

	trimmedText := strings.TrimSpace(text.String())
	trimmedRaw := strings.TrimSpace(rawMessage)
	if unknownSegment && trimmedRaw != "" && trimmedRaw != trimmedText {
		parsed = append(parsed, Segment{Type: "raw_message", Raw: trimmedRaw})
	}

	return ParseResult{
		Text:       trimmedText,
		Mentioned:  mentioned,
		HasUnknown: unknownSegment,
		Segments:   parsed,
	}
}

func parseCQString(content string, rawMessage string, selfID int64) ParseResult {
	if strings.TrimSpace(content) == "" {
		return ParseResult{}
	}

	matches := cqPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return ParseResult{
			Text:     strings.TrimSpace(content),
			Segments: []Segment{{Type: "text", Text: content}},
		}
	}

	selfIDStr := strconv.FormatInt(selfID, 10)
	segments := make([]Segment, 0, len(matches)+1)
	var textBuilder strings.Builder
	mentioned := false
	hasUnknown := false
	cursor := 0

	for _, m := range matches {
		if m[0] > cursor {
			textPart := content[cursor:m[0]]
			if textPart != "" {
				segments = append(segments, Segment{Type: "text", Text: textPart})
				textBuilder.WriteString(textPart)
			}
		}

		segType := content[m[2]:m[3]]
		paramsRaw := ""
		if m[4] >= 0 && m[5] >= 0 {
			paramsRaw = content[m[4]:m[5]]
		}
		segRaw := content[m[0]:m[1]]
		params := parseCQParams(paramsRaw)

		switch segType {
		case "at":
			qqVal := strings.TrimSpace(params["qq"])
			isSelf := selfID > 0 && (qqVal == selfIDStr || qqVal == "all")
			if isSelf {
				mentioned = true
			}
			segments = append(segments, Segment{Type: "at", AtQQ: qqVal, IsSelf: isSelf})
		case "image":
			segments = append(segments, Segment{
				Type:      "image",
				ImageURL:  strings.TrimSpace(params["url"]),
				ImageFile: strings.TrimSpace(params["file"]),
			})
		case "reply":
			segments = append(segments, Segment{
				Type:    "reply",
				ReplyID: strings.TrimSpace(params["id"]),
			})
		default:
			hasUnknown = true
			segments = append(segments, Segment{Type: "unknown", Raw: segRaw})
		}
		cursor = m[1]
	}

	if cursor < len(content) {
		textPart := content[cursor:]
		if textPart != "" {
			segments = append(segments, Segment{Type: "text", Text: textPart})
			textBuilder.WriteString(textPart)
		}
	}

	trimmedText := strings.TrimSpace(textBuilder.String())
	trimmedRaw := strings.TrimSpace(rawMessage)
	if trimmedRaw == "" {
		trimmedRaw = strings.TrimSpace(content)
	}
	if hasUnknown && trimmedRaw != "" && trimmedRaw != trimmedText {
		segments = append(segments, Segment{Type: "raw_message", Raw: trimmedRaw})
	}

	return ParseResult{
		Text:       trimmedText,
		Mentioned:  mentioned,
		HasUnknown: hasUnknown,
		Segments:   segments,
	}
}

func parseCQParams(params string) map[string]string {
	result := make(map[string]string)
	if params == "" {
		return result
	}

	for _, item := range strings.Split(params, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		result[key] = strings.TrimSpace(parts[1])
	}
	return result
}

func segmentDataString(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}
