package oggframe

// This package promises callers three things and nothing more:
//
//  1. ParsePage turns raw bytes into page structure without touching payload
//     semantics, reporting exactly how many bytes it consumed so a caller can
//     walk a whole file page by page.
//  2. PacketLengths resolves Ogg's lacing rule into packet boundaries,
//     including packets that straddle a page boundary.
//  3. TOCDuration/PacketDuration read just enough of an Opus packet's first
//     byte to know how long it plays for.
//
// It never decodes audio and never validates that a bitstream is playable
// beyond CRC and structural well-formedness.
