package namegen

import (
	"fmt"
	"strings"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}

// NodeName returns a fresh instance name such as "autogrid-chrome-brave-otter".
func NodeName(browser string) string {
	browser = strings.ToLower(strings.Join(strings.Fields(browser), ""))
	if browser == "" {
		return fmt.Sprintf("autogrid-%s", Get())
	}
	return fmt.Sprintf("autogrid-%s-%s", browser, Get())
}
