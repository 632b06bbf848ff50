package voicecore

import "testing"

func TestSnowflakeStringAndValidity(t *testing.T) {
	if Snowflake(0).IsValid() {
		t.Fatal("0 should not be a valid snowflake")
	}
	if !Snowflake(123).IsValid() {
		t.Fatal("123 should be a valid snowflake")
	}
	if got, want := Snowflake(175928847299117063).String(), "175928847299117063"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestSnowflakeJSONRoundTrip(t *testing.T) {
	var s Snowflake
	if err := s.UnmarshalJSON([]byte(`"123456"`)); err != nil {
		t.Fatalf("UnmarshalJSON(quoted) failed: %v", err)
	}
	if s != 123456 {
		t.Fatalf("s = %d, want 123456", s)
	}

	b, err := s.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}
	if string(b) != `"123456"` {
		t.Fatalf("MarshalJSON = %s, want \"123456\"", b)
	}

	var zero Snowflake
	if err := zero.UnmarshalJSON([]byte(`null`)); err != nil {
		t.Fatalf("UnmarshalJSON(null) failed: %v", err)
	}
	if zero != 0 {
		t.Fatalf("zero = %d, want 0", zero)
	}

	var bare Snowflake
	if err := bare.UnmarshalJSON([]byte(`987`)); err != nil {
		t.Fatalf("UnmarshalJSON(bare number) failed: %v", err)
	}
	if bare != 987 {
		t.Fatalf("bare = %d, want 987", bare)
	}
}

func TestIDTypeStringDelegates(t *testing.T) {
	if got, want := GuildID(42).String(), "42"; got != want {
		t.Fatalf("GuildID.String() = %q, want %q", got, want)
	}
	if got, want := ChannelID(42).String(), "42"; got != want {
		t.Fatalf("ChannelID.String() = %q, want %q", got, want)
	}
	if got, want := UserID(42).String(), "42"; got != want {
		t.Fatalf("UserID.String() = %q, want %q", got, want)
	}
}
