// Package bustime is a client for the Port Authority TrueTime (BusTime) API.
//
// Only the two calls the tracker needs are implemented:
//   - getroutes: the list of routes served by the agency
//   - getvehicles: live vehicle positions, selected either by route ("rt")
//     or by vehicle id ("vid"), never both
//
// Responses are XML documents rooted at <bustime-response>. A response that
// cannot be read at all is a FetchError (TransportError or ParseError); a
// single malformed <vehicle> or <route> element is skipped and reported as an
// ElementError in the call's Report, leaving its siblings intact.
package bustime
