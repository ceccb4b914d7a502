// Copyright 2022-2023 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package throttler

import (
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"
	"github.com/pkg/errors"
)

// Tag identifies a tenant-scoped request class. It keys the quota table
// and all throttler statistics.
type Tag string

// tagQuotaPrefix is the system keyspace prefix under which per-tag
// quotas are stored. Key layout: tagQuotaPrefix || tag.
var tagQuotaPrefix = []byte("\xff/tagQuota/")

// TagQuota is the durable per-tag quota record. All fields are in
// cost-units per second. A zero field means no such quota. The
// reserved quotas must not exceed the corresponding total quotas.
type TagQuota struct {
	TotalReadQuota     float64 `json:"total_read"`
	TotalWriteQuota    float64 `json:"total_write"`
	ReservedReadQuota  float64 `json:"reserved_read"`
	ReservedWriteQuota float64 `json:"reserved_write"`
}

func (q TagQuota) Validate() error {
	if q.TotalReadQuota < 0 || q.TotalWriteQuota < 0 || q.ReservedReadQuota < 0 || q.ReservedWriteQuota < 0 {
		return errors.New("quota values must be non-negative")
	}
	if q.ReservedReadQuota > q.TotalReadQuota {
		return errors.New("reserved read quota exceeds total read quota")
	}
	if q.ReservedWriteQuota > q.TotalWriteQuota {
		return errors.New("reserved write quota exceeds total write quota")
	}
	return nil
}

func (q TagQuota) pack() []byte {
	return tuple.Tuple{q.TotalReadQuota, q.TotalWriteQuota, q.ReservedReadQuota, q.ReservedWriteQuota}.Pack()
}

func parseTagQuota(b []byte) (TagQuota, error) {
	t, err := tuple.Unpack(b)
	if err != nil {
		return TagQuota{}, errors.Wrap(err, "unpack quota value")
	}
	if len(t) != 4 {
		return TagQuota{}, errors.Errorf("quota value has %d fields, expected 4", len(t))
	}

	var fields [4]float64
	for i, e := range t {
		switch v := e.(type) {
		case float64:
			fields[i] = v
		case int64:
			fields[i] = float64(v)
		default:
			return TagQuota{}, errors.Errorf("quota field %d has unexpected type %T", i, e)
		}
	}

	q := TagQuota{
		TotalReadQuota:     fields[0],
		TotalWriteQuota:    fields[1],
		ReservedReadQuota:  fields[2],
		ReservedWriteQuota: fields[3],
	}

	return q, q.Validate()
}

func tagQuotaKey(tag Tag) []byte {
	k := make([]byte, 0, len(tagQuotaPrefix)+len(tag))
	k = append(k, tagQuotaPrefix...)
	return append(k, tag...)
}

// tagQuotaRange returns the key range covering every tag quota record.
func tagQuotaRange() ([]byte, []byte) {
	l := tagQuotaPrefix
	r := make([]byte, len(tagQuotaPrefix))
	copy(r, tagQuotaPrefix)
	r[len(r)-1]++
	return l, r
}

func tagFromQuotaKey(key []byte) Tag {
	return Tag(key[len(tagQuotaPrefix):])
}
