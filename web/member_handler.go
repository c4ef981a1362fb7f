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

package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/tomoncle/datajpa"
	"github.com/tomoncle/datajpa/model"
	"github.com/tomoncle/datajpa/types"
)

const memberKey = "member"

// MemberHandler serves member lookups and the paged member listing.
type MemberHandler struct {
	members     datajpa.Service[model.Member]
	pageSize    int
	maxPageSize int
}

func NewMemberHandler(members datajpa.Service[model.Member], pageSize, maxPageSize int) *MemberHandler {
	if pageSize < 1 {
		pageSize = 3
	}
	if maxPageSize < pageSize {
		maxPageSize = pageSize
	}
	return &MemberHandler{members: members, pageSize: pageSize, maxPageSize: maxPageSize}
}

// FindMember returns the username of the member as plain text.
// GET /members/:id
func (h *MemberHandler) FindMember(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	m, err := h.members.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, m.Username)
}

// FindMember2 is FindMember with the member resolved by BindMember.
// GET /members2/:id
func (h *MemberHandler) FindMember2(c echo.Context) error {
	m, ok := c.Get(memberKey).(*model.Member)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "member not bound")
	}
	return c.String(http.StatusOK, m.Username)
}

// BindMember resolves the path parameter param to a member before the
// handler runs.
func (h *MemberHandler) BindMember(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, err := pathID(c, param)
			if err != nil {
				return err
			}
			m, err := h.members.Get(c.Request().Context(), id)
			if err != nil {
				return err
			}
			c.Set(memberKey, m)
			return next(c)
		}
	}
}

// pageQuery is the page, size and sort query string of a listing. Sort
// values are "property" or "property,asc|desc" and may repeat.
type pageQuery struct {
	Page int      `validate:"min=0"`
	Size int      `validate:"min=1"`
	Sort []string `validate:"dive,required"`
}

// PageResponse is the JSON shape of a page.
type PageResponse[T any] struct {
	Content          []*T   `json:"content"`
	Number           int    `json:"number"`
	Size             int    `json:"size"`
	TotalElements    int    `json:"totalElements"`
	TotalPages       int    `json:"totalPages"`
	NumberOfElements int    `json:"numberOfElements"`
	First            bool   `json:"first"`
	Last             bool   `json:"last"`
	Sort             string `json:"sort"`
}

func NewPageResponse[T any](p *types.Page[T]) *PageResponse[T] {
	return &PageResponse[T]{
		Content:          p.Content,
		Number:           p.Number,
		Size:             p.Size,
		TotalElements:    p.Total,
		TotalPages:       p.TotalPages(),
		NumberOfElements: p.NumberOfElements(),
		First:            p.IsFirst(),
		Last:             p.IsLast(),
		Sort:             p.Sort.String(),
	}
}

// List returns one page of member projections.
// GET /members?page=0&size=3&sort=username,desc
func (h *MemberHandler) List(c echo.Context) error {
	req, err := h.pageRequest(c)
	if err != nil {
		return err
	}
	page, err := h.members.Page(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, NewPageResponse(types.MapPage(page, model.NewMemberDTO)))
}

// pageRequest binds and validates the page query. Sizes above the maximum
// are clamped; sizes below one are rejected.
func (h *MemberHandler) pageRequest(c echo.Context) (*types.PageRequest, error) {
	q := pageQuery{Size: h.pageSize}
	if err := echo.QueryParamsBinder(c).
		Int("page", &q.Page).
		Int("size", &q.Size).
		Strings("sort", &q.Sort).
		BindError(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidArgument, err)
	}
	if err := c.Validate(&q); err != nil {
		return nil, err
	}
	if q.Size > h.maxPageSize {
		q.Size = h.maxPageSize
	}

	var sort types.Sort
	for _, s := range q.Sort {
		o, err := types.ParseOrder(s)
		if err != nil {
			return nil, err
		}
		sort.Orders = append(sort.Orders, o)
	}
	return types.NewPageRequest(q.Page, q.Size, sort)
}

func pathID(c echo.Context, param string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a member id", types.ErrInvalidArgument, param, c.Param(param))
	}
	return id, nil
}
