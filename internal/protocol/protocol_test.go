package protocol

import (
	"errors"
	"testing"

	"github.com/gerlofvanek/basicswap/internal/chain"
)

func TestSelectSwapType(t *testing.T) {
	tests := []struct {
		name     string
		coinFrom chain.Coin
		coinTo   chain.Coin
		want     SwapType
		wantErr  error
	}{
		{name: "script both legs", coinFrom: chain.BTC, coinTo: chain.LTC, want: SwapSellerFirst},
		{name: "noscript to leg", coinFrom: chain.BTC, coinTo: chain.XMR, want: SwapAdaptorSig},
		{name: "noscript from leg", coinFrom: chain.XMR, coinTo: chain.BTC, want: SwapAdaptorSig},
		{name: "unknown coin", coinFrom: "DOGE", coinTo: chain.BTC, wantErr: chain.ErrUnsupportedCoin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectSwapType(tt.coinFrom, tt.coinTo)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("SelectSwapType = %s, want %s", got, tt.want)
			}
		})
	}
}

// The compatibility rule is direction-specific: test both directions
// explicitly rather than assuming reversal is symmetric.
func TestIsReverseBid(t *testing.T) {
	tests := []struct {
		coinFrom chain.Coin
		coinTo   chain.Coin
		want     bool
	}{
		{coinFrom: chain.BTC, coinTo: chain.XMR, want: false},
		{coinFrom: chain.XMR, coinTo: chain.BTC, want: true},
		{coinFrom: chain.BTC, coinTo: chain.LTC, want: false},
		{coinFrom: chain.LTC, coinTo: chain.BTC, want: false},
	}

	for _, tt := range tests {
		got, err := IsReverseBid(tt.coinFrom, tt.coinTo)
		if err != nil {
			t.Fatalf("IsReverseBid(%s,%s): %v", tt.coinFrom, tt.coinTo, err)
		}
		if got != tt.want {
			t.Errorf("IsReverseBid(%s,%s) = %v, want %v", tt.coinFrom, tt.coinTo, got, tt.want)
		}
	}

	if _, err := IsReverseBid(chain.XMR, chain.XMR); err == nil {
		t.Error("expected error for XMR/XMR pair")
	}
}

func TestSelectRoles(t *testing.T) {
	tests := []struct {
		name         string
		swapType     SwapType
		coinFrom     chain.Coin
		coinTo       chain.Coin
		isOfferer    bool
		wantRole     Role
		wantScript   chain.Coin
		wantReversed bool
	}{
		{
			name: "adaptor offerer leads", swapType: SwapAdaptorSig,
			coinFrom: chain.BTC, coinTo: chain.XMR, isOfferer: true,
			wantRole: RoleLeader, wantScript: chain.BTC,
		},
		{
			name: "adaptor bidder follows", swapType: SwapAdaptorSig,
			coinFrom: chain.BTC, coinTo: chain.XMR, isOfferer: false,
			wantRole: RoleFollower, wantScript: chain.BTC,
		},
		{
			name: "reverse bid bidder leads", swapType: SwapAdaptorSig,
			coinFrom: chain.XMR, coinTo: chain.BTC, isOfferer: false,
			wantRole: RoleLeader, wantScript: chain.BTC, wantReversed: true,
		},
		{
			name: "reverse bid offerer follows", swapType: SwapAdaptorSig,
			coinFrom: chain.XMR, coinTo: chain.BTC, isOfferer: true,
			wantRole: RoleFollower, wantScript: chain.BTC, wantReversed: true,
		},
		{
			name: "seller first offerer leads", swapType: SwapSellerFirst,
			coinFrom: chain.BTC, coinTo: chain.LTC, isOfferer: true,
			wantRole: RoleLeader, wantScript: chain.BTC,
		},
		{
			name: "seller first bidder follows", swapType: SwapSellerFirst,
			coinFrom: chain.BTC, coinTo: chain.LTC, isOfferer: false,
			wantRole: RoleFollower, wantScript: chain.BTC,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := SelectRoles(tt.swapType, tt.coinFrom, tt.coinTo, tt.isOfferer)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if a.OurRole != tt.wantRole {
				t.Errorf("OurRole = %s, want %s", a.OurRole, tt.wantRole)
			}
			if a.ScriptCoin != tt.wantScript {
				t.Errorf("ScriptCoin = %s, want %s", a.ScriptCoin, tt.wantScript)
			}
			if a.Reversed != tt.wantReversed {
				t.Errorf("Reversed = %v, want %v", a.Reversed, tt.wantReversed)
			}
		})
	}
}

// Determinism: the same inputs always produce the same assignment, and the
// two parties' derived roles are complementary.
func TestSelectRolesComplementary(t *testing.T) {
	pairs := [][2]chain.Coin{
		{chain.BTC, chain.XMR},
		{chain.XMR, chain.BTC},
		{chain.BTC, chain.LTC},
	}
	for _, pair := range pairs {
		st, err := SelectSwapType(pair[0], pair[1])
		if err != nil {
			t.Fatal(err)
		}
		offerer, err := SelectRoles(st, pair[0], pair[1], true)
		if err != nil {
			t.Fatal(err)
		}
		bidder, err := SelectRoles(st, pair[0], pair[1], false)
		if err != nil {
			t.Fatal(err)
		}
		if offerer.OurRole == bidder.OurRole {
			t.Errorf("%s/%s: both parties derived role %s", pair[0], pair[1], offerer.OurRole)
		}
		if offerer.OurRole != bidder.TheirRole || offerer.TheirRole != bidder.OurRole {
			t.Errorf("%s/%s: assignments not complementary", pair[0], pair[1])
		}
	}
}
