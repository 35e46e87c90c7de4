package wal

import (
	"strconv"
	"strings"

	"github.com/dashkv/dash/internal/dasherr"
	"github.com/dashkv/dash/internal/model"
)

// Wire format: one record per line, tab-separated fields, tagged by a
// leading kind byte (C/E/G/V/B). Free-text fields escape '\\', '\t' and
// '\n'. Optional fields are the literal "null". String lists use
// length-prefixed packing "<len>:<bytes>" concatenated; each item is
// escaped like a free-text field and its length counts the escaped bytes.
//
// Claim accepts 6 (legacy), 8 (spec-extended: + entities/embedding_ids)
// or 12 (fully-extended: + valid_from/valid_to/created_at/updated_at)
// fields; only the 12-field shape is ever written.
//
// Evidence accepts 6 (legacy), 9 (spec-extended: + chunk_id/span_start/
// span_end) or 10 (fully-extended: + extraction_model) fields; only the
// 10-field shape is ever written.

const fieldSep = "\t"

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`)
	return r.Replace(s)
}

func unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			case 't':
				b.WriteByte('\t')
				i++
				continue
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func packList(items []string) string {
	var b strings.Builder
	for _, it := range items {
		it = escape(it)
		b.WriteString(strconv.Itoa(len(it)))
		b.WriteByte(':')
		b.WriteString(it)
	}
	return b.String()
}

func unpackList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	i := 0
	for i < len(s) {
		j := strings.IndexByte(s[i:], ':')
		if j < 0 {
			return nil, dasherr.Parse("malformed packed list", nil)
		}
		j += i
		n, err := strconv.Atoi(s[i:j])
		if err != nil {
			return nil, dasherr.Parse("malformed packed list length", err)
		}
		start := j + 1
		end := start + n
		if end > len(s) {
			return nil, dasherr.Parse("packed list length exceeds buffer", nil)
		}
		out = append(out, unescape(s[start:end]))
		i = end
	}
	return out, nil
}

func optInt(v *int64) string {
	if v == nil {
		return "null"
	}
	return strconv.FormatInt(*v, 10)
}

func parseOptInt(s string) (*int64, error) {
	if s == "null" || s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func optStr(s string) string {
	if s == "" {
		return "null"
	}
	return escape(s)
}

func parseOptStr(s string) string {
	if s == "null" {
		return ""
	}
	return unescape(s)
}

func optU32(v *uint32) string {
	if v == nil {
		return "null"
	}
	return strconv.FormatUint(uint64(*v), 10)
}

func parseOptU32(s string) (*uint32, error) {
	if s == "null" || s == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return nil, err
	}
	v := uint32(n)
	return &v, nil
}

// EncodeLine serializes one record to a single line (no trailing newline).
func EncodeLine(r *model.WalRecord) (string, error) {
	switch r.Kind {
	case model.WalKindClaim:
		return encodeClaim(r.Claim), nil
	case model.WalKindEvidence:
		return encodeEvidence(r.Evidence), nil
	case model.WalKindEdge:
		return encodeEdge(r.Edge), nil
	case model.WalKindVector:
		return encodeVector(r.Vector), nil
	case model.WalKindBatchCommit:
		return encodeBatchCommit(r.BatchCommit), nil
	default:
		return "", dasherr.Validation("unsupported wal record kind %q", r.Kind)
	}
}

// DecodeLine parses one line into a record. Malformed lines return a
// *dasherr.Error of KindParse.
func DecodeLine(line string) (*model.WalRecord, error) {
	if line == "" {
		return nil, dasherr.Parse("empty wal line", nil)
	}
	kind := model.WalRecordKind(line[0])
	if len(line) < 2 || line[1] != '\t' {
		return nil, dasherr.Parse("malformed wal line header", nil)
	}
	body := line[2:]
	fields := strings.Split(body, fieldSep)
	switch kind {
	case model.WalKindClaim:
		return decodeClaim(fields)
	case model.WalKindEvidence:
		return decodeEvidence(fields)
	case model.WalKindEdge:
		return decodeEdge(fields)
	case model.WalKindVector:
		return decodeVector(fields)
	case model.WalKindBatchCommit:
		return decodeBatchCommit(fields)
	default:
		return nil, dasherr.Parse("unknown wal record kind", nil)
	}
}

func encodeClaim(c *model.Claim) string {
	fields := []string{
		escape(c.ClaimID),
		escape(c.TenantID),
		escape(c.CanonicalText),
		strconv.FormatFloat(float64(c.Confidence), 'g', -1, 32),
		optInt(c.EventTimeUnix),
		optStr(c.ClaimType),
		optInt(c.ValidFrom),
		optInt(c.ValidTo),
		optInt(c.CreatedAt),
		optInt(c.UpdatedAt),
		packList(c.Entities),
		packList(c.EmbeddingIDs),
	}
	return string(model.WalKindClaim) + fieldSep + strings.Join(fields, fieldSep)
}

func decodeClaim(f []string) (*model.WalRecord, error) {
	c := &model.Claim{}
	switch len(f) {
	case 6, 8, 12:
	default:
		return nil, dasherr.Parse("claim record has unexpected field count", nil)
	}
	c.ClaimID = unescape(f[0])
	c.TenantID = unescape(f[1])
	c.CanonicalText = unescape(f[2])
	conf, err := strconv.ParseFloat(f[3], 32)
	if err != nil {
		return nil, dasherr.Parse("malformed claim confidence", err)
	}
	c.Confidence = float32(conf)
	if c.EventTimeUnix, err = parseOptInt(f[4]); err != nil {
		return nil, dasherr.Parse("malformed claim event_time_unix", err)
	}
	c.ClaimType = parseOptStr(f[5])

	if len(f) == 8 {
		entities, err := unpackList(f[6])
		if err != nil {
			return nil, err
		}
		embedding, err := unpackList(f[7])
		if err != nil {
			return nil, err
		}
		c.Entities = entities
		c.EmbeddingIDs = embedding
	}
	if len(f) == 12 {
		if c.ValidFrom, err = parseOptInt(f[6]); err != nil {
			return nil, dasherr.Parse("malformed valid_from", err)
		}
		if c.ValidTo, err = parseOptInt(f[7]); err != nil {
			return nil, dasherr.Parse("malformed valid_to", err)
		}
		if c.CreatedAt, err = parseOptInt(f[8]); err != nil {
			return nil, dasherr.Parse("malformed created_at", err)
		}
		if c.UpdatedAt, err = parseOptInt(f[9]); err != nil {
			return nil, dasherr.Parse("malformed updated_at", err)
		}
		entities, err := unpackList(f[10])
		if err != nil {
			return nil, err
		}
		embedding, err := unpackList(f[11])
		if err != nil {
			return nil, err
		}
		c.Entities = entities
		c.EmbeddingIDs = embedding
	}

	return &model.WalRecord{Kind: model.WalKindClaim, Claim: c}, nil
}

func encodeEvidence(e *model.Evidence) string {
	fields := []string{
		escape(e.EvidenceID),
		escape(e.ClaimID),
		escape(e.SourceID),
		string(e.Stance),
		strconv.FormatFloat(float64(e.SourceQuality), 'g', -1, 32),
		optStr(e.DocID),
		optStr(e.ChunkID),
		optU32(e.SpanStart),
		optU32(e.SpanEnd),
		optStr(e.ExtractionModel),
	}
	return string(model.WalKindEvidence) + fieldSep + strings.Join(fields, fieldSep)
}

func decodeEvidence(f []string) (*model.WalRecord, error) {
	switch len(f) {
	case 6, 9, 10:
	default:
		return nil, dasherr.Parse("evidence record has unexpected field count", nil)
	}
	e := &model.Evidence{}
	e.EvidenceID = unescape(f[0])
	e.ClaimID = unescape(f[1])
	e.SourceID = unescape(f[2])
	e.Stance = model.Stance(f[3])
	q, err := strconv.ParseFloat(f[4], 32)
	if err != nil {
		return nil, dasherr.Parse("malformed evidence source_quality", err)
	}
	e.SourceQuality = float32(q)
	e.DocID = parseOptStr(f[5])

	if len(f) >= 9 {
		e.ChunkID = parseOptStr(f[6])
		if e.SpanStart, err = parseOptU32(f[7]); err != nil {
			return nil, dasherr.Parse("malformed span_start", err)
		}
		if e.SpanEnd, err = parseOptU32(f[8]); err != nil {
			return nil, dasherr.Parse("malformed span_end", err)
		}
	}
	if len(f) == 10 {
		e.ExtractionModel = parseOptStr(f[9])
	}
	return &model.WalRecord{Kind: model.WalKindEvidence, Evidence: e}, nil
}

func encodeEdge(g *model.ClaimEdge) string {
	fields := []string{
		escape(g.EdgeID),
		escape(g.FromClaimID),
		escape(g.ToClaimID),
		string(g.Relation),
		strconv.FormatFloat(float64(g.Strength), 'g', -1, 32),
		packList(g.ReasonCodes),
	}
	return string(model.WalKindEdge) + fieldSep + strings.Join(fields, fieldSep)
}

func decodeEdge(f []string) (*model.WalRecord, error) {
	if len(f) != 6 {
		return nil, dasherr.Parse("edge record has unexpected field count", nil)
	}
	g := &model.ClaimEdge{}
	g.EdgeID = unescape(f[0])
	g.FromClaimID = unescape(f[1])
	g.ToClaimID = unescape(f[2])
	g.Relation = model.Relation(f[3])
	s, err := strconv.ParseFloat(f[4], 32)
	if err != nil {
		return nil, dasherr.Parse("malformed edge strength", err)
	}
	g.Strength = float32(s)
	codes, err := unpackList(f[5])
	if err != nil {
		return nil, err
	}
	g.ReasonCodes = codes
	return &model.WalRecord{Kind: model.WalKindEdge, Edge: g}, nil
}

func encodeVector(v *model.ClaimVector) string {
	parts := make([]string, len(v.Vector))
	for i, f := range v.Vector {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	fields := []string{
		escape(v.ClaimID),
		strconv.Itoa(len(v.Vector)),
		strings.Join(parts, ","),
	}
	return string(model.WalKindVector) + fieldSep + strings.Join(fields, fieldSep)
}

func decodeVector(f []string) (*model.WalRecord, error) {
	if len(f) != 3 {
		return nil, dasherr.Parse("vector record has unexpected field count", nil)
	}
	v := &model.ClaimVector{ClaimID: unescape(f[0])}
	dim, err := strconv.Atoi(f[1])
	if err != nil {
		return nil, dasherr.Parse("malformed vector dimension", err)
	}
	if dim == 0 {
		v.Vector = nil
	} else {
		parts := strings.Split(f[2], ",")
		if len(parts) != dim {
			return nil, dasherr.Parse("vector dimension does not match payload", nil)
		}
		vec := make([]float32, dim)
		for i, p := range parts {
			val, err := strconv.ParseFloat(p, 32)
			if err != nil {
				return nil, dasherr.Parse("malformed vector component", err)
			}
			vec[i] = float32(val)
		}
		v.Vector = vec
	}
	return &model.WalRecord{Kind: model.WalKindVector, Vector: v}, nil
}

func encodeBatchCommit(b *model.BatchCommit) string {
	fields := []string{
		escape(b.CommitID),
		strconv.Itoa(b.BatchSize),
		strconv.FormatInt(b.CommitTsMs, 10),
		packList(b.ClaimIDs),
	}
	return string(model.WalKindBatchCommit) + fieldSep + strings.Join(fields, fieldSep)
}

func decodeBatchCommit(f []string) (*model.WalRecord, error) {
	if len(f) != 4 {
		return nil, dasherr.Parse("batch commit record has unexpected field count", nil)
	}
	b := &model.BatchCommit{}
	b.CommitID = unescape(f[0])
	size, err := strconv.Atoi(f[1])
	if err != nil {
		return nil, dasherr.Parse("malformed batch size", err)
	}
	b.BatchSize = size
	ts, err := strconv.ParseInt(f[2], 10, 64)
	if err != nil {
		return nil, dasherr.Parse("malformed batch commit ts", err)
	}
	b.CommitTsMs = ts
	ids, err := unpackList(f[3])
	if err != nil {
		return nil, err
	}
	b.ClaimIDs = ids
	return &model.WalRecord{Kind: model.WalKindBatchCommit, BatchCommit: b}, nil
}
