package bustime

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

const rootElement = "bustime-response"

var providerTimeLayouts = []string{"20060102 15:04:05", "20060102 15:04"}

type rawVehicle struct {
	VID    string `xml:"vid"`
	Tmstmp string `xml:"tmstmp"`
	Lat    string `xml:"lat"`
	Lon    string `xml:"lon"`
	Hdg    string `xml:"hdg"`
	Rt     string `xml:"rt"`
	Des    string `xml:"des"`
	Spd    string `xml:"spd"`
	Dly    string `xml:"dly"`
}

type rawRoute struct {
	Rt    string `xml:"rt"`
	Rtnm  string `xml:"rtnm"`
	Rtclr string `xml:"rtclr"`
}

type rawError struct {
	Rt  string `xml:"rt"`
	Vid string `xml:"vid"`
	Msg string `xml:"msg"`
}

// walkResponse streams the children of <bustime-response>, handing each one to
// visit. visit must consume the element it is given.
func walkResponse(r io.Reader, visit func(dec *xml.Decoder, se *xml.StartElement) error) error {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel

	depth := 0
	rooted := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if !rooted {
				return errors.New("empty document")
			}
			if depth != 0 {
				return fmt.Errorf("unterminated <%s>", rootElement)
			}
			return nil
		}
		if err != nil {
			return err
		}
		switch se := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				if se.Name.Local != rootElement {
					return fmt.Errorf("unexpected root element <%s>", se.Name.Local)
				}
				rooted = true
				depth++
				continue
			}
			if err := visit(dec, &se); err != nil {
				return err
			}
		case xml.EndElement:
			depth--
		}
	}
}

func decodeVehicles(r io.Reader, observedAt time.Time, loc *time.Location) ([]VehicleUpdate, Report, error) {
	var (
		updates []VehicleUpdate
		report  Report
		index   int
	)
	err := walkResponse(r, func(dec *xml.Decoder, se *xml.StartElement) error {
		switch se.Name.Local {
		case "vehicle":
			var raw rawVehicle
			if err := dec.DecodeElement(&raw, se); err != nil {
				return err
			}
			u, eerr := raw.update(index, observedAt, loc)
			index++
			if eerr != nil {
				report.ElementErrors = append(report.ElementErrors, eerr)
				return nil
			}
			updates = append(updates, u)
		case "error":
			var raw rawError
			if err := dec.DecodeElement(&raw, se); err != nil {
				return err
			}
			report.ProviderErrors = append(report.ProviderErrors, raw.providerError())
		default:
			return dec.Skip()
		}
		return nil
	})
	if err != nil {
		return nil, report, err
	}
	return updates, report, nil
}

func decodeRoutes(r io.Reader) ([]Route, Report, error) {
	var (
		routes []Route
		report Report
		index  int
	)
	err := walkResponse(r, func(dec *xml.Decoder, se *xml.StartElement) error {
		switch se.Name.Local {
		case "route":
			var raw rawRoute
			if err := dec.DecodeElement(&raw, se); err != nil {
				return err
			}
			rt, eerr := raw.route(index)
			index++
			if eerr != nil {
				report.ElementErrors = append(report.ElementErrors, eerr)
				return nil
			}
			routes = append(routes, rt)
		case "error":
			var raw rawError
			if err := dec.DecodeElement(&raw, se); err != nil {
				return err
			}
			report.ProviderErrors = append(report.ProviderErrors, raw.providerError())
		default:
			return dec.Skip()
		}
		return nil
	})
	if err != nil {
		return nil, report, err
	}
	return routes, report, nil
}

func (v rawVehicle) update(index int, observedAt time.Time, loc *time.Location) (VehicleUpdate, *ElementError) {
	id := strings.TrimSpace(v.VID)
	fail := func(field, value string, err error) *ElementError {
		return &ElementError{Element: "vehicle", Index: index, Key: id, Field: field, Value: value, Err: err}
	}
	if id == "" {
		return VehicleUpdate{}, fail("vid", v.VID, ErrMissingField)
	}
	routeID := strings.TrimSpace(v.Rt)
	if routeID == "" {
		return VehicleUpdate{}, fail("rt", v.Rt, ErrMissingField)
	}

	lat, err := parseNumber(v.Lat, -90, 90)
	if err != nil {
		return VehicleUpdate{}, fail("lat", v.Lat, err)
	}
	lon, err := parseNumber(v.Lon, -180, 180)
	if err != nil {
		return VehicleUpdate{}, fail("lon", v.Lon, err)
	}
	hdg, err := parseNumber(v.Hdg, 0, 360)
	if err != nil {
		return VehicleUpdate{}, fail("hdg", v.Hdg, err)
	}
	spd, err := parseNumber(v.Spd, 0, math.MaxFloat64)
	if err != nil {
		return VehicleUpdate{}, fail("spd", v.Spd, err)
	}

	return VehicleUpdate{
		ID:             id,
		RouteID:        routeID,
		Latitude:       lat,
		Longitude:      lon,
		HeadingDegrees: hdg,
		SpeedMPH:       spd,
		Destination:    strings.TrimSpace(v.Des),
		Delayed:        strings.EqualFold(strings.TrimSpace(v.Dly), "true"),
		ProviderTime:   parseProviderTime(v.Tmstmp, loc),
		ObservedAt:     observedAt,
	}, nil
}

func (r rawRoute) route(index int) (Route, *ElementError) {
	id := strings.TrimSpace(r.Rt)
	if id == "" {
		return Route{}, &ElementError{Element: "route", Index: index, Field: "rt", Value: r.Rt, Err: ErrMissingField}
	}
	name := strings.TrimSpace(r.Rtnm)
	if name == "" {
		name = id
	}
	return Route{ID: id, DisplayName: name, Color: strings.TrimSpace(r.Rtclr)}, nil
}

func (e rawError) providerError() ProviderError {
	return ProviderError{
		RouteID:   strings.TrimSpace(e.Rt),
		VehicleID: strings.TrimSpace(e.Vid),
		Message:   strings.TrimSpace(e.Msg),
	}
}

func parseNumber(s string, lo, hi float64) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrMissingField
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrInvalidNumber
	}
	if f < lo || f > hi {
		return 0, ErrOutOfRange
	}
	return f, nil
}

func parseProviderTime(s string, loc *time.Location) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range providerTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t
		}
	}
	return time.Time{}
}
