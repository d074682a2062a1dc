package milvus

import (
	"fmt"
	"sort"

	"github.com/milvus-io/milvus-sdk-go/v2/client"

	"github.com/finrag/backend/internal/domain"
)

func decodeSentences(rs client.ResultSet, n int) ([]domain.Sentence, error) {
	out := make([]domain.Sentence, 0, n)
	for i := 0; i < n; i++ {
		id, err := stringAt(rs, fieldSentenceID, i)
		if err != nil {
			return nil, err
		}
		text, err := stringAt(rs, fieldText, i)
		if err != nil {
			return nil, err
		}
		companyID, err := stringAt(rs, fieldCompanyID, i)
		if err != nil {
			return nil, err
		}
		companyName, _ := stringAt(rs, fieldCompanyName, i)
		section, err := stringAt(rs, fieldSection, i)
		if err != nil {
			return nil, err
		}
		year, err := intAt(rs, fieldFiscalYear, i)
		if err != nil {
			return nil, err
		}
		position, err := intAt(rs, fieldPosition, i)
		if err != nil {
			return nil, err
		}

		out = append(out, domain.Sentence{
			ID:       id,
			Key:      domain.SectionKey{CompanyID: companyID, Year: year, Section: section},
			Company:  companyName,
			Position: position,
			Text:     text,
		})
	}
	return out, nil
}

func stringAt(rs client.ResultSet, field string, i int) (string, error) {
	col := rs.GetColumn(field)
	if col == nil {
		return "", fmt.Errorf("missing column %s", field)
	}
	v, err := col.Get(i)
	if err != nil {
		return "", fmt.Errorf("failed to read %s[%d]: %w", field, i, err)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("column %s has type %T, want string", field, v)
	}
	return s, nil
}

func intAt(rs client.ResultSet, field string, i int) (int, error) {
	col := rs.GetColumn(field)
	if col == nil {
		return 0, fmt.Errorf("missing column %s", field)
	}
	v, err := col.Get(i)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s[%d]: %w", field, i, err)
	}
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	case int16:
		return int(n), nil
	case int8:
		return int(n), nil
	default:
		return 0, fmt.Errorf("column %s has type %T, want integer", field, v)
	}
}

func sortByPosition(s []domain.Sentence) {
	sort.Slice(s, func(i, j int) bool { return s[i].Position < s[j].Position })
}
