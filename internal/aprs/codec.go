package aprs

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DataType is the leading byte of an APRS information field, per
// spec.md §4.6's dispatch table.
type DataType byte

const (
	TypeUnknown         DataType = 0
	TypePositionNoTime  DataType = '!'
	TypePositionMsgNoT  DataType = '='
	TypePositionTime    DataType = '/'
	TypePositionMsgTime DataType = '@'
	TypeMessage         DataType = ':'
	TypeStatus          DataType = '>'
	TypeObject          DataType = ';'
	TypeItem            DataType = ')'
	TypeTelemetry       DataType = 'T'
	TypeWeather         DataType = '_'
	TypeMicE            DataType = '`'
	TypeMicEOld         DataType = '\''
	TypeThirdParty      DataType = '}'
)

// Packet is the decoded AprsPacket of spec.md §3.
type Packet struct {
	DataType  DataType
	Position  *Position
	Timestamp string // raw DHM or HMS field, not further interpreted
	Symbol    struct {
		Table byte
		Code  byte
	}
	Comment    string
	Message    *Message
	Status     string
	Object     *NamedStation
	Item       *NamedStation
	Telemetry  *Telemetry
	Weather    *Weather
	MicE       *MicEReport
	ThirdParty *Packet // reparsed inner packet for '}' frames

	ParseErrors []string
}

// NamedStation covers both Object (';') and Item (')') reports: a
// named station's position plus liveness/kill state, per spec.md
// §4.6.
type NamedStation struct {
	Name     string
	Live     bool
	Position Position
	Symbol   struct {
		Table byte
		Code  byte
	}
	Comment string
}

// Telemetry is a bare decode of the five analog channels and 8 digital
// bits a 'T' packet carries.
type Telemetry struct {
	Sequence string
	Analog   [5]int
	Digital  [8]bool
	Comment  string
}

// Weather holds the subset of Positionless Weather Report fields this
// station's telemetry/beacon path is expected to produce or consume.
type Weather struct {
	WindDirection int
	WindSpeedMph  int
	TempF         int
	RainfallIn    float64
	HumidityPct   int
	PressureMb    float64
}

// MicEReport is a basic Mic-E decode: position plus course/speed and
// the short status-text payload, per spec.md §4.6 ("basic decode").
type MicEReport struct {
	Position Position
	Status   string
}

// Decode parses one APRS information field (the UI-frame payload after
// any PID, not including the AX.25 addressing).
func Decode(info string) Packet {
	if len(info) == 0 {
		return Packet{DataType: TypeUnknown, ParseErrors: []string{"empty info field"}}
	}
	dt := DataType(info[0])
	body := info[1:]

	switch dt {
	case TypePositionNoTime, TypePositionMsgNoT:
		return decodePositionPacket(dt, body, false)
	case TypePositionTime, TypePositionMsgTime:
		return decodePositionPacket(dt, body, true)
	case TypeMessage:
		if m, ok := decodeMessage(body); ok {
			return Packet{DataType: dt, Message: &m}
		}
		return Packet{DataType: dt, ParseErrors: []string{"malformed message body"}}
	case TypeStatus:
		return Packet{DataType: dt, Status: body}
	case TypeObject:
		return decodeNamedStation(dt, body, 9)
	case TypeItem:
		return decodeNamedStation(dt, body, 3)
	case TypeTelemetry:
		return decodeTelemetry(body)
	case TypeWeather:
		return decodeWeather(body)
	case TypeMicE, TypeMicEOld:
		return Packet{DataType: dt, Comment: body, ParseErrors: []string{"Mic-E position requires the destination address; call DecodeMicE directly"}}
	case TypeThirdParty:
		// The inner frame is "SRC>DEST,PATH:info"; only the info field
		// after the header's first ':' is an APRS information field.
		innerInfo := body
		if i := strings.IndexByte(body, ':'); i >= 0 {
			innerInfo = body[i+1:]
		}
		inner := Decode(innerInfo)
		return Packet{DataType: dt, ThirdParty: &inner}
	default:
		return Packet{DataType: dt, Comment: body, ParseErrors: []string{fmt.Sprintf("unrecognized data type %q", string(dt))}}
	}
}

// decodePositionPacket handles '!', '=', '/', '@': compressed if the
// first body byte is '/' or '\\' (a symbol-table char, meaning no
// literal digit follows), else the fixed-width uncompressed format.
func decodePositionPacket(dt DataType, body string, timestamped bool) Packet {
	ts := ""
	if timestamped {
		if len(body) < 7 {
			return Packet{DataType: dt, ParseErrors: []string{"truncated timestamp"}}
		}
		ts = body[:7]
		body = body[7:]
	}
	if len(body) == 0 {
		return Packet{DataType: dt, Timestamp: ts, ParseErrors: []string{"empty position body"}}
	}
	if body[0] == '/' || body[0] == '\\' {
		pos, table, code, comment, err := decodeCompressedPosition(body)
		if err != nil {
			return Packet{DataType: dt, Timestamp: ts, ParseErrors: []string{err.Error()}}
		}
		p := Packet{DataType: dt, Timestamp: ts, Position: &pos, Comment: comment}
		p.Symbol.Table, p.Symbol.Code = table, code
		return p
	}
	pos, table, code, comment, err := decodeUncompressedPosition(body)
	if err != nil {
		return Packet{DataType: dt, Timestamp: ts, ParseErrors: []string{err.Error()}}
	}
	p := Packet{DataType: dt, Timestamp: ts, Position: &pos, Comment: comment}
	p.Symbol.Table, p.Symbol.Code = table, code
	return p
}

// decodeUncompressedPosition parses `DDMM.hhN/S` + table + `DDDMM.hhE/W`
// + code + comment, per spec.md §4.6.
func decodeUncompressedPosition(body string) (pos Position, table, code byte, comment string, err error) {
	if len(body) < 19 {
		return pos, 0, 0, "", fmt.Errorf("aprs: uncompressed position body too short: %q", body)
	}
	lat, latAmbig, err := parseLatitude(body[0:8])
	if err != nil {
		return pos, 0, 0, "", err
	}
	table = body[8]
	lon, lonAmbig, err := parseLongitude(body[9:18])
	if err != nil {
		return pos, 0, 0, "", err
	}
	code = body[18]
	ambiguity := latAmbig
	if lonAmbig > ambiguity {
		ambiguity = lonAmbig
	}
	pos = Position{Lat: lat, Lon: lon, Ambiguity: ambiguity, Grid: GridSquare(lat, lon)}
	rest := body[19:]
	course, speed, comment := parseCourseSpeedComment(rest)
	pos.Course, pos.Speed = course, speed
	return pos, table, code, comment, nil
}

// decodeCompressedPosition parses `/YYYYXXXX$csT` comment, per spec.md
// §4.6's base-91 formula.
func decodeCompressedPosition(body string) (pos Position, table, code byte, comment string, err error) {
	if len(body) < 13 {
		return pos, 0, 0, "", fmt.Errorf("aprs: compressed position body too short: %q", body)
	}
	table = body[0]
	lat, err := decodeCompressedLat(body[1:5])
	if err != nil {
		return pos, 0, 0, "", err
	}
	lon, err := decodeCompressedLon(body[5:9])
	if err != nil {
		return pos, 0, 0, "", err
	}
	code = body[9]
	pos = Position{Lat: lat, Lon: lon, Grid: GridSquare(lat, lon)}
	// cs is a course/speed pair unless blank (two spaces): course is
	// (cs[0]-33)*4 degrees, speed is 1.08^(cs[1]-33)-1 knots, per
	// spec.md §4.6's compressed-position course/speed encoding.
	if body[10] != ' ' && body[11] != ' ' {
		pos.Course = (int(body[10]) - 33) * 4
		pos.Speed = int(math.Pow(1.08, float64(int(body[11])-33)) - 1)
	}
	return pos, table, code, body[13:], nil
}

func parseCourseSpeedComment(rest string) (course, speed int, comment string) {
	if len(rest) >= 7 {
		c, cerr := strconv.Atoi(rest[0:3])
		s, serr := strconv.Atoi(rest[4:7])
		if cerr == nil && serr == nil && rest[3] == '/' {
			return c, s, rest[7:]
		}
	}
	return 0, 0, rest
}

func decodeNamedStation(dt DataType, body string, nameLen int) Packet {
	if len(body) < nameLen+1 {
		return Packet{DataType: dt, ParseErrors: []string{"named-station body too short"}}
	}
	name := strings.TrimRight(body[:nameLen], " ")
	liveByte := body[nameLen]
	rest := body[nameLen+1:]

	ns := NamedStation{Name: name, Live: liveByte == '*' || liveByte == '!'}
	if len(rest) >= 19 {
		pos, table, code, comment, err := decodeUncompressedPosition(rest)
		if err == nil {
			ns.Position = pos
			ns.Symbol.Table, ns.Symbol.Code = table, code
			ns.Comment = comment
		}
	}
	if dt == TypeObject {
		return Packet{DataType: dt, Object: &ns}
	}
	return Packet{DataType: dt, Item: &ns}
}

func decodeTelemetry(body string) Packet {
	fields := strings.Split(body, ",")
	t := &Telemetry{}
	if len(fields) > 0 {
		t.Sequence = fields[0]
	}
	for i := 1; i <= 5 && i < len(fields); i++ {
		v, _ := strconv.Atoi(strings.TrimSpace(fields[i]))
		t.Analog[i-1] = v
	}
	if len(fields) > 6 {
		bits := fields[6]
		for i := 0; i < 8 && i < len(bits); i++ {
			t.Digital[i] = bits[i] == '1'
		}
	}
	return Packet{DataType: TypeTelemetry, Telemetry: t}
}

func decodeWeather(body string) Packet {
	w := &Weather{}
	fields := map[byte]*int{'c': &w.WindDirection, 'g': &w.WindSpeedMph, 't': &w.TempF, 'h': &w.HumidityPct}
	i := 0
	for i < len(body) {
		id := body[i]
		if dst, ok := fields[id]; ok && i+4 <= len(body) {
			if v, err := strconv.Atoi(body[i+1 : i+4]); err == nil {
				*dst = v
			}
			i += 4
			continue
		}
		i++
	}
	return Packet{DataType: TypeWeather, Weather: w}
}

// DecodeMicE performs a basic Mic-E decode: the destination-address
// field carries the latitude digits and N/S, E/W, longitude-offset
// bits (per the standard's destination-callsign encoding), and the
// information field carries longitude degrees/minutes, course/speed
// and a status-text tail. Kept best-effort per spec.md §9's note that
// Mic-E decoding is deliberately incomplete.
func DecodeMicE(destAddr, info string) (Packet, error) {
	if len(destAddr) < 6 {
		return Packet{}, fmt.Errorf("aprs: Mic-E destination address too short: %q", destAddr)
	}
	if len(info) < 9 {
		return Packet{}, fmt.Errorf("aprs: Mic-E info field too short: %q", info)
	}
	digits := make([]byte, 6)
	north := true
	west := false
	longOffset := false
	for i := 0; i < 6; i++ {
		c := destAddr[i]
		switch {
		case c >= '0' && c <= '9':
			digits[i] = c
		case c >= 'A' && c <= 'J':
			digits[i] = c - 'A' + '0'
		case c >= 'P' && c <= 'Y':
			digits[i] = c - 'P' + '0'
		case c == 'K' || c == 'L' || c == 'Z':
			digits[i] = '0'
		default:
			digits[i] = '0'
		}
		switch i {
		case 3:
			north = !(c >= 'P' && c <= 'Z')
		case 4:
			longOffset = c >= 'P' && c <= 'Z'
		case 5:
			west = c >= 'P' && c <= 'Z'
		}
	}
	latDeg, _ := strconv.Atoi(string(digits[0:2]))
	latMin, _ := strconv.ParseFloat(string(digits[2:4])+"."+string(digits[4:6]), 64)
	lat := float64(latDeg) + latMin/60
	if !north {
		lat = -lat
	}

	lonDeg := int(info[0]) - 28
	if longOffset {
		lonDeg += 100
	}
	if lonDeg >= 180 && lonDeg <= 189 {
		lonDeg -= 80
	} else if lonDeg >= 190 && lonDeg <= 199 {
		lonDeg -= 190
	}
	lonMin := int(info[1]) - 28
	if lonMin >= 60 {
		lonMin -= 60
	}
	lonHundredths := int(info[2]) - 28
	lon := float64(lonDeg) + (float64(lonMin)+float64(lonHundredths)/100)/60
	if west {
		lon = -lon
	}

	sp := (int(info[3]) - 28) * 10 / 10
	dc := int(info[4]) - 28
	se := int(info[5]) - 28
	speed := sp*10 + dc/10
	course := (dc%10)*100 + se

	pos := Position{Lat: lat, Lon: lon, Course: course, Speed: speed, Grid: GridSquare(lat, lon)}
	p := Packet{DataType: TypeMicE, MicE: &MicEReport{Position: pos}}
	if len(info) > 9 {
		p.Symbol.Code = info[7]
		p.Symbol.Table = info[8]
		p.MicE.Status = info[9:]
	}
	return p, nil
}

// Encode renders a Packet back to its wire information field
// (including the leading data-type byte). Only the position and
// message forms, the ones this station actively transmits, are
// supported; other data types round-trip through their Comment/Status
// fields when present.
func Encode(p Packet) string {
	switch p.DataType {
	case TypePositionNoTime, TypePositionMsgNoT, TypePositionTime, TypePositionMsgTime:
		return encodePositionPacket(p)
	case TypeMessage:
		if p.Message != nil {
			return string(TypeMessage) + EncodeMessage(*p.Message)
		}
	case TypeStatus:
		return string(TypeStatus) + p.Status
	}
	return string(p.DataType) + p.Comment
}

func encodePositionPacket(p Packet) string {
	var b strings.Builder
	b.WriteByte(byte(p.DataType))
	if p.DataType == TypePositionTime || p.DataType == TypePositionMsgTime {
		b.WriteString(p.Timestamp)
	}
	if p.Position == nil {
		return b.String()
	}
	pos := *p.Position
	b.WriteString(formatLatitude(pos.Lat, pos.Ambiguity))
	b.WriteByte(p.Symbol.Table)
	b.WriteString(formatLongitude(pos.Lon, pos.Ambiguity))
	b.WriteByte(p.Symbol.Code)
	if pos.Course != 0 || pos.Speed != 0 {
		fmt.Fprintf(&b, "%03d/%03d", pos.Course, pos.Speed)
	}
	b.WriteString(p.Comment)
	return b.String()
}

// EncodeCompressedPosition renders a Position in the base-91
// compressed form, for callers that prefer the shorter wire encoding.
func EncodeCompressedPosition(dt DataType, table byte, pos Position, code byte, comment string) string {
	var b strings.Builder
	b.WriteByte(byte(dt))
	b.WriteByte(table)
	b.WriteString(encodeCompressedLat(pos.Lat))
	b.WriteString(encodeCompressedLon(pos.Lon))
	b.WriteByte(code)
	if pos.Course != 0 || pos.Speed != 0 {
		b.WriteByte(byte(pos.Course/4 + 33))
		b.WriteByte(byte(int(math.Round(math.Log(float64(pos.Speed+1))/math.Log(1.08))) + 33))
	} else {
		b.WriteString("  ")
	}
	b.WriteByte(' ')
	b.WriteString(comment)
	return b.String()
}
