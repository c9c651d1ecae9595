// Package protocol defines the line-oriented wire format spoken between the
// in-process collector and the out-of-process receiver.
//
// A crash report is a sequence of sections. Each section starts with a
// DD_CRASHTRACK_BEGIN_<NAME> line and ends with the matching
// DD_CRASHTRACK_END_<NAME> line. Section bodies carry one JSON value per
// line, except file sections, whose body is the raw file text. A final
// DD_CRASHTRACK_DONE line marks a fully transmitted report; a stream that
// ends without it is a partial report.
//
// The format can be written incrementally from a crashing process without
// knowing the total size in advance, and any prefix of it is still useful.
package protocol
