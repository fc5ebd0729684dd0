package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-pulse/internal/model"
)

// encodedItem holds the JSON-encoded and nullable columns of an item row.
type encodedItem struct {
	entityRefs string
	engagement any
	annotation any
	relevance  any
}

func encodeItem(it *model.StoredItem) (encodedItem, error) {
	var enc encodedItem

	refs, err := json.Marshal(nonNil(it.EntityRefs))
	if err != nil {
		return enc, eris.Wrap(err, "store: marshal entity refs")
	}
	enc.entityRefs = string(refs)

	if len(it.Engagement) > 0 {
		raw, err := json.Marshal(it.Engagement)
		if err != nil {
			return enc, eris.Wrap(err, "store: marshal engagement")
		}
		enc.engagement = string(raw)
	}

	if it.Annotation != nil {
		raw, err := json.Marshal(it.Annotation)
		if err != nil {
			return enc, eris.Wrap(err, "store: marshal annotation")
		}
		enc.annotation = string(raw)
		enc.relevance = it.Annotation.RelevanceScore
	}
	return enc, nil
}

// decodeItem fills the JSON-backed fields of it. Empty inputs leave the
// corresponding field unset.
func decodeItem(it *model.StoredItem, refs, engagement, annotation []byte) error {
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &it.EntityRefs); err != nil {
			return eris.Wrapf(err, "store: unmarshal entity refs of %s", it.DedupKey)
		}
	}
	if len(engagement) > 0 {
		if err := json.Unmarshal(engagement, &it.Engagement); err != nil {
			return eris.Wrapf(err, "store: unmarshal engagement of %s", it.DedupKey)
		}
	}
	if len(annotation) > 0 {
		ann, err := decodeAnnotation(string(annotation))
		if err != nil {
			return eris.Wrapf(err, "store: item %s", it.DedupKey)
		}
		it.Annotation = ann
	}
	return nil
}

func decodeAnnotation(raw string) (*model.Annotation, error) {
	var ann model.Annotation
	if err := json.Unmarshal([]byte(raw), &ann); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal annotation")
	}
	return &ann, nil
}

type encodedCycle struct {
	stats          string
	providerErrors any
}

func encodeCycle(c *model.Cycle) (encodedCycle, error) {
	var enc encodedCycle
	stats, err := json.Marshal(c.Stats)
	if err != nil {
		return enc, eris.Wrap(err, "store: marshal cycle stats")
	}
	enc.stats = string(stats)
	if len(c.ProviderErrors) > 0 {
		raw, err := json.Marshal(c.ProviderErrors)
		if err != nil {
			return enc, eris.Wrap(err, "store: marshal provider errors")
		}
		enc.providerErrors = string(raw)
	}
	return enc, nil
}

func decodeCycle(c *model.Cycle, entities, stats, providerErrors []byte) error {
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &c.Entities); err != nil {
			return eris.Wrapf(err, "store: unmarshal entities of cycle %s", c.ID)
		}
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &c.Stats); err != nil {
			return eris.Wrapf(err, "store: unmarshal stats of cycle %s", c.ID)
		}
	}
	if len(providerErrors) > 0 {
		if err := json.Unmarshal(providerErrors, &c.ProviderErrors); err != nil {
			return eris.Wrapf(err, "store: unmarshal provider errors of cycle %s", c.ID)
		}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
