// Package metainfo projects a decoded bencode dictionary into the typed
// fields a downloader needs: name, piece layout, file list, and announce
// tiers.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"strings"

	"github.com/gorent/gorent/bencode"
)

// ErrMalformedMetainfo covers every way a metainfo dictionary can fail the
// projection: missing fields, wrong types, or a pieces length that does
// not agree with piece_length and total_length.
var ErrMalformedMetainfo = errors.New("metainfo: malformed metainfo")

const hashLen = 20

// File is one entry of the payload's file list, in torrent order.
type File struct {
	Path   string // relative path, "/"-joined, no ".." segments
	Length int64
	Offset int64 // byte offset within the concatenated payload stream
}

// Info is the immutable, typed view of a metainfo file.
type Info struct {
	Name          string
	PieceLength   int64
	TotalLength   int64
	PieceDigests  [][hashLen]byte
	InfoHash      [20]byte
	Files         []File
	AnnounceTiers [][]string
}

// NumPieces returns the number of pieces implied by TotalLength and
// PieceLength.
func (in *Info) NumPieces() int {
	return len(in.PieceDigests)
}

// PieceLen returns the size in bytes of piece index i: PieceLength for
// every piece but the last, which absorbs the remainder.
func (in *Info) PieceLen(i int) int64 {
	if i == in.NumPieces()-1 {
		return in.TotalLength - int64(i)*in.PieceLength
	}
	return in.PieceLength
}

// Parse decodes a bencode top-level dictionary into an Info.
func Parse(raw []byte) (*Info, error) {
	top, err := bencode.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetainfo, err)
	}
	if top.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: top-level value is not a dictionary", ErrMalformedMetainfo)
	}

	infoVal := top.DictGet("info")
	if infoVal == nil || infoVal.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: missing or malformed info dict", ErrMalformedMetainfo)
	}

	name, err := stringField(infoVal, "name")
	if err != nil {
		return nil, err
	}
	pieceLength, err := intField(infoVal, "piece length")
	if err != nil {
		return nil, err
	}
	piecesVal := infoVal.DictGet("pieces")
	if piecesVal == nil || piecesVal.Kind != bencode.KindString {
		return nil, fmt.Errorf("%w: missing pieces field", ErrMalformedMetainfo)
	}
	if len(piecesVal.Str)%hashLen != 0 {
		return nil, fmt.Errorf("%w: pieces length %d not a multiple of %d", ErrMalformedMetainfo, len(piecesVal.Str), hashLen)
	}

	files, totalLength, err := parseFiles(infoVal, name)
	if err != nil {
		return nil, err
	}

	numPieces := len(piecesVal.Str) / hashLen
	wantPieces := int((totalLength + pieceLength - 1) / pieceLength)
	if numPieces != wantPieces {
		return nil, fmt.Errorf("%w: pieces count %d does not match ceil(total/piece_length)=%d", ErrMalformedMetainfo, numPieces, wantPieces)
	}

	digests := make([][hashLen]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(digests[i][:], piecesVal.Str[i*hashLen:(i+1)*hashLen])
	}

	infoHash := sha1.Sum(bencode.Encode(infoVal))

	tiers, err := parseAnnounceTiers(top)
	if err != nil {
		return nil, err
	}

	return &Info{
		Name:          name,
		PieceLength:   pieceLength,
		TotalLength:   totalLength,
		PieceDigests:  digests,
		InfoHash:      infoHash,
		Files:         files,
		AnnounceTiers: tiers,
	}, nil
}

func stringField(v *bencode.Value, key string) (string, error) {
	f := v.DictGet(key)
	if f == nil || f.Kind != bencode.KindString {
		return "", fmt.Errorf("%w: missing or non-string field %q", ErrMalformedMetainfo, key)
	}
	return string(f.Str), nil
}

func intField(v *bencode.Value, key string) (int64, error) {
	f := v.DictGet(key)
	if f == nil || f.Kind != bencode.KindInt {
		return 0, fmt.Errorf("%w: missing or non-integer field %q", ErrMalformedMetainfo, key)
	}
	if f.Int <= 0 {
		return 0, fmt.Errorf("%w: field %q must be positive, got %d", ErrMalformedMetainfo, key, f.Int)
	}
	return f.Int, nil
}

// parseFiles implements the single-file/multi-file split of spec §4.2.
func parseFiles(infoVal *bencode.Value, rootName string) ([]File, int64, error) {
	if lengthVal := infoVal.DictGet("length"); lengthVal != nil {
		if lengthVal.Kind != bencode.KindInt || lengthVal.Int <= 0 {
			return nil, 0, fmt.Errorf("%w: length field must be a positive integer", ErrMalformedMetainfo)
		}
		return []File{{Path: rootName, Length: lengthVal.Int, Offset: 0}}, lengthVal.Int, nil
	}

	filesVal := infoVal.DictGet("files")
	if filesVal == nil || filesVal.Kind != bencode.KindList {
		return nil, 0, fmt.Errorf("%w: info dict has neither length nor files", ErrMalformedMetainfo)
	}

	var files []File
	var offset int64
	for _, entry := range filesVal.List {
		if entry.Kind != bencode.KindDict {
			return nil, 0, fmt.Errorf("%w: files entry is not a dict", ErrMalformedMetainfo)
		}
		lengthVal := entry.DictGet("length")
		if lengthVal == nil || lengthVal.Kind != bencode.KindInt || lengthVal.Int <= 0 {
			return nil, 0, fmt.Errorf("%w: files entry missing positive length", ErrMalformedMetainfo)
		}
		pathVal := entry.DictGet("path")
		if pathVal == nil || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
			return nil, 0, fmt.Errorf("%w: files entry missing non-empty path", ErrMalformedMetainfo)
		}

		parts := make([]string, 0, len(pathVal.List))
		for _, p := range pathVal.List {
			if p.Kind != bencode.KindString || len(p.Str) == 0 {
				return nil, 0, fmt.Errorf("%w: path component is not a non-empty string", ErrMalformedMetainfo)
			}
			if string(p.Str) == ".." {
				return nil, 0, fmt.Errorf("%w: path component contains ..", ErrMalformedMetainfo)
			}
			parts = append(parts, string(p.Str))
		}

		relPath := strings.Join(parts, "/")
		files = append(files, File{
			Path:   rootName + "/" + relPath,
			Length: lengthVal.Int,
			Offset: offset,
		})
		offset += lengthVal.Int
	}

	if len(files) == 0 {
		return nil, 0, fmt.Errorf("%w: files list is empty", ErrMalformedMetainfo)
	}

	return files, offset, nil
}

// parseAnnounceTiers implements the announce-list-supersedes-announce rule
// of spec §4.2, synthesizing a single-element tier when announce-list is
// absent.
func parseAnnounceTiers(top *bencode.Value) ([][]string, error) {
	if listVal := top.DictGet("announce-list"); listVal != nil {
		if listVal.Kind != bencode.KindList {
			return nil, fmt.Errorf("%w: announce-list is not a list", ErrMalformedMetainfo)
		}
		var tiers [][]string
		for _, tierVal := range listVal.List {
			if tierVal.Kind != bencode.KindList {
				return nil, fmt.Errorf("%w: announce-list tier is not a list", ErrMalformedMetainfo)
			}
			var tier []string
			for _, urlVal := range tierVal.List {
				if urlVal.Kind != bencode.KindString {
					return nil, fmt.Errorf("%w: announce URL is not a string", ErrMalformedMetainfo)
				}
				tier = append(tier, string(urlVal.Str))
			}
			if len(tier) > 0 {
				tiers = append(tiers, tier)
			}
		}
		if len(tiers) == 0 {
			return nil, fmt.Errorf("%w: announce-list has no URLs", ErrMalformedMetainfo)
		}
		return tiers, nil
	}

	announce, err := stringField(top, "announce")
	if err != nil {
		return nil, err
	}
	return [][]string{{announce}}, nil
}
