/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package model

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Item carries an assigned identifier, so it reports itself as new until
// the insert stamps CreatedDate. Saving a new item never selects first.
type Item struct {
	bun.BaseModel `bun:"table:item,alias:i"`

	ID          string    `bun:"item_id,pk" json:"id"`
	CreatedDate time.Time `bun:"created_date,nullzero" json:"createdDate"`
}

// NewItem returns an item with the given id, or a random one when id is empty.
func NewItem(id string) *Item {
	if id == "" {
		id = uuid.NewString()
	}
	return &Item{ID: id}
}

// IsNew implements repository.Persistable.
func (i *Item) IsNew() bool { return i.CreatedDate.IsZero() }

var _ bun.BeforeAppendModelHook = (*Item)(nil)

// BeforeAppendModel stamps the creation time on insert.
func (i *Item) BeforeAppendModel(_ context.Context, q bun.Query) error {
	if _, ok := q.(*bun.InsertQuery); ok {
		if i.ID == "" {
			i.ID = uuid.NewString()
		}
		if i.CreatedDate.IsZero() {
			i.CreatedDate = time.Now().UTC()
		}
	}
	return nil
}
