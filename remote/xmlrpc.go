package remote

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrMalformedCall is matched by errors decoding an XML-RPC request.
var ErrMalformedCall = errors.New("malformed xml-rpc call")

type methodCall struct {
	XMLName xml.Name   `xml:"methodCall"`
	Method  string     `xml:"methodName"`
	Params  []xmlParam `xml:"params>param"`
}

type xmlParam struct {
	Value xmlValue `xml:"value"`
}

type xmlValue struct {
	Int     *string    `xml:"int"`
	I4      *string    `xml:"i4"`
	I8      *string    `xml:"i8"`
	Boolean *string    `xml:"boolean"`
	String  *string    `xml:"string"`
	Double  *string    `xml:"double"`
	Base64  *string    `xml:"base64"`
	Array   *xmlArray  `xml:"array"`
	Struct  *xmlStruct `xml:"struct"`
	Nil     *struct{}  `xml:"nil"`
	Text    string     `xml:",chardata"`
}

type xmlArray struct {
	Values []xmlValue `xml:"data>value"`
}

type xmlStruct struct {
	Members []xmlMember `xml:"member"`
}

type xmlMember struct {
	Name  string   `xml:"name"`
	Value xmlValue `xml:"value"`
}

// decodeCall reads a methodCall document. Parameters are converted to
// string, int64, bool, float64, []byte, []any, map[string]any or nil.
func decodeCall(r io.Reader) (string, []any, error) {
	var call methodCall
	if err := xml.NewDecoder(r).Decode(&call); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedCall, err)
	}
	method := strings.TrimSpace(call.Method)
	if method == "" {
		return "", nil, fmt.Errorf("%w: missing method name", ErrMalformedCall)
	}
	params := make([]any, 0, len(call.Params))
	for i, p := range call.Params {
		v, err := p.Value.decode()
		if err != nil {
			return "", nil, fmt.Errorf("%w: param %d: %v", ErrMalformedCall, i+1, err)
		}
		params = append(params, v)
	}
	return method, params, nil
}

func (v xmlValue) decode() (any, error) {
	switch {
	case v.Int != nil:
		return parseXMLInt(*v.Int)
	case v.I4 != nil:
		return parseXMLInt(*v.I4)
	case v.I8 != nil:
		return parseXMLInt(*v.I8)
	case v.Boolean != nil:
		switch strings.TrimSpace(*v.Boolean) {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean %q", *v.Boolean)
	case v.String != nil:
		return *v.String, nil
	case v.Double != nil:
		return strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
	case v.Base64 != nil:
		return base64.StdEncoding.DecodeString(strings.TrimSpace(*v.Base64))
	case v.Array != nil:
		out := make([]any, 0, len(v.Array.Values))
		for _, item := range v.Array.Values {
			decoded, err := item.decode()
			if err != nil {
				return nil, err
			}
			out = append(out, decoded)
		}
		return out, nil
	case v.Struct != nil:
		out := make(map[string]any, len(v.Struct.Members))
		for _, m := range v.Struct.Members {
			decoded, err := m.Value.decode()
			if err != nil {
				return nil, fmt.Errorf("member %s: %w", m.Name, err)
			}
			out[m.Name] = decoded
		}
		return out, nil
	case v.Nil != nil:
		return nil, nil
	default:
		// A value without a type element is a string.
		return v.Text, nil
	}
}

func parseXMLInt(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

// encodeResponse renders a methodResponse carrying a single value.
func encodeResponse(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<methodResponse><params><param>")
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	buf.WriteString("</param></params></methodResponse>\n")
	return buf.Bytes(), nil
}

// encodeFault renders a methodResponse carrying a fault.
func encodeFault(code int, message string) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<methodResponse><fault>")
	// Both members are plain types, encoding cannot fail.
	_ = encodeValue(&buf, map[string]any{"faultCode": code, "faultString": message})
	buf.WriteString("</fault></methodResponse>\n")
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v any) error {
	buf.WriteString("<value>")
	switch val := v.(type) {
	case nil:
		buf.WriteString("<string></string>")
	case string:
		buf.WriteString("<string>")
		if err := xml.EscapeText(buf, []byte(val)); err != nil {
			return err
		}
		buf.WriteString("</string>")
	case bool:
		if val {
			buf.WriteString("<boolean>1</boolean>")
		} else {
			buf.WriteString("<boolean>0</boolean>")
		}
	case int:
		writeInt(buf, int64(val))
	case int64:
		writeInt(buf, val)
	case float64:
		buf.WriteString("<double>")
		buf.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
		buf.WriteString("</double>")
	case []byte:
		buf.WriteString("<array><data>")
		for _, b := range val {
			buf.WriteString("<value>")
			writeInt(buf, int64(b))
			buf.WriteString("</value>")
		}
		buf.WriteString("</data></array>")
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		if err := encodeArray(buf, items); err != nil {
			return err
		}
	case []any:
		if err := encodeArray(buf, val); err != nil {
			return err
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteString("<struct>")
		for _, k := range keys {
			buf.WriteString("<member><name>")
			if err := xml.EscapeText(buf, []byte(k)); err != nil {
				return err
			}
			buf.WriteString("</name>")
			if err := encodeValue(buf, val[k]); err != nil {
				return err
			}
			buf.WriteString("</member>")
		}
		buf.WriteString("</struct>")
	default:
		return fmt.Errorf("cannot encode %T as xml-rpc value", v)
	}
	buf.WriteString("</value>")
	return nil
}

func encodeArray(buf *bytes.Buffer, items []any) error {
	buf.WriteString("<array><data>")
	for _, item := range items {
		if err := encodeValue(buf, item); err != nil {
			return err
		}
	}
	buf.WriteString("</data></array>")
	return nil
}

// writeInt uses <int> within the 32 bit range and <i8> beyond it.
func writeInt(buf *bytes.Buffer, n int64) {
	tag := "int"
	if n > math.MaxInt32 || n < math.MinInt32 {
		tag = "i8"
	}
	buf.WriteString("<" + tag + ">")
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteString("</" + tag + ">")
}
