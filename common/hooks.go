/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"sync"
	"time"
)

type HookID int

const (
	HookApplySlowMo HookID = iota
)

type Hook func(context.Context)

// Hooks lets callers replace behavior that runs after successful actions.
type Hooks struct {
	mu    sync.RWMutex
	hooks map[HookID]Hook
}

func slowMo(delay time.Duration) Hook {
	return func(ctx context.Context) {
		if delay <= 0 {
			return
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

func NewHooks(slowMoDelay time.Duration) *Hooks {
	h := Hooks{
		hooks: make(map[HookID]Hook),
	}
	h.hooks[HookApplySlowMo] = slowMo(slowMoDelay)
	return &h
}

func (h *Hooks) GetHook(id HookID) Hook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hooks[id]
}

func (h *Hooks) RegisterHook(id HookID, hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[id] = hook
}

func (h *Hooks) applySlowMo(ctx context.Context) {
	if h == nil {
		return
	}
	if hook := h.GetHook(HookApplySlowMo); hook != nil {
		hook(ctx)
	}
}
