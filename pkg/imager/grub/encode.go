// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package grub

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"text/template"
)

// Config is the input of the menu generator.
type Config struct {
	Tree     ConfigurationTree
	Timeout  Timeout
	Theme    *Theme
	Options  []OptionVariant
	TextMode bool
	// MarkerPath is the absolute path of the marker file on the medium.
	MarkerPath string
	// Splash is an optional background image path on the medium, used without a theme.
	Splash string
}

// GfxModes are the display resolutions tried, most preferred first.
const GfxModes = "1920x1080,1366x768,1280x720,1024x768,800x600,auto"

const confTemplate = `# generated by recovery-imager, do not edit
set textmode={{ .TextMode }}
{{- range .TimeoutSettings }}
{{ . }}
{{- end }}
set default=0

search --no-floppy --set=root --file {{ .MarkerPath }}
set prefix=($root)/boot/grub

insmod font
insmod all_video
insmod gfxterm
insmod gfxterm_background

if [ "$textmode" = "false" ]; then
  set gfxmode={{ .GfxModes }}
  set gfxpayload=keep
{{- with .Theme }}
  insmod png
  insmod jpeg
  insmod gfxmenu
{{- range .Fonts }}
  loadfont ($root)/{{ $.ThemePath }}/{{ . }}
{{- end }}
  terminal_output gfxterm
{{- if .ThemeFile }}
  set theme=($root)/{{ $.ThemePath }}/theme.txt
  export theme
{{- end }}
{{- with .Background }}
  background_image ($root)/{{ $.ThemePath }}/{{ . }}
{{- end }}
{{- else }}
  terminal_output gfxterm
{{- with .Splash }}
  insmod png
  if background_image {{ . }}; then
    set color_normal=white/black
    set color_highlight=black/white
  else
    set menu_color_normal=cyan/blue
    set menu_color_highlight=white/blue
  fi
{{- else }}
  set menu_color_normal=cyan/blue
  set menu_color_highlight=white/blue
{{- end }}
{{- end }}
fi
{{ range .Entries }}
{{ template "entry" (entryContext . "") }}
{{ end }}
submenu "Options" --class submenu {
{{- range .Variants }}
  submenu "{{ .Title }}"{{ with .Class }} --class {{ . }}{{ end }} {
{{ template "entry" (entryContext .Entry "    ") }}
  }
{{- end }}
  if [ "$grub_platform" = "efi" ]; then
    menuentry "Firmware Setup" --class settings {
      fwsetup
    }
  fi
}

menuentry "Reboot" --class restart {
  reboot
}

menuentry "Shutdown" --class shutdown {
  halt
}
{{ define "entry" -}}
{{ .Indent }}menuentry "{{ .Entry.Name }}"{{ with .Entry.Class }} --class {{ . }}{{ end }} {
{{ .Indent }}  linux {{ .Entry.Kernel }}{{ with .Entry.Cmdline }} {{ . }}{{ end }}
{{ .Indent }}  initrd {{ .Entry.Initrd }}
{{ .Indent }}}
{{- end }}`

var confTpl = template.Must(template.New("grub").Funcs(template.FuncMap{
	"entryContext": func(entry MenuEntry, indent string) entryContext {
		return entryContext{Entry: entry, Indent: indent}
	},
}).Parse(confTemplate))

type entryContext struct {
	Entry  MenuEntry
	Indent string
}

type variantContext struct {
	OptionVariant

	Entry MenuEntry
}

type renderContext struct {
	Config

	TimeoutSettings []string
	GfxModes        string
	ThemePath       string
	Entries         []MenuEntry
	Variants        []variantContext
}

// Encode writes the menu config to w.
//
// Parameters are written as is: quoting is the responsibility of the caller.
func (c *Config) Encode(w io.Writer) error {
	if err := c.Tree.Validate(); err != nil {
		return err
	}

	if c.MarkerPath == "" {
		return errors.New("marker path is required")
	}

	ctx := renderContext{
		Config:          *c,
		TimeoutSettings: c.Timeout.settings(),
		GfxModes:        GfxModes,
		ThemePath:       ThemePath,
		Entries:         c.Tree.Entries(),
	}

	for _, variant := range c.Options {
		ctx.Variants = append(ctx.Variants, variantContext{
			OptionVariant: variant,
			Entry:         c.Tree.Root.WithExtraParams(variant.ExtraParams...),
		})
	}

	return confTpl.Execute(w, ctx)
}

// Bytes returns the rendered menu config.
func (c *Config) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := c.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Write renders the menu config into the file at path, creating parent directories.
func (c *Config) Write(path string, printf func(string, ...any)) error {
	b, err := c.Bytes()
	if err != nil {
		return err
	}

	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	printf("writing %s", path)

	return os.WriteFile(path, b, 0o644)
}
