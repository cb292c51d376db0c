package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/arzzra/webphone/pkg/credential"
	"github.com/arzzra/webphone/pkg/settings"
)

// runOptions страница настроек: сохраняет JWT и флаг входящих вызовов
func (a *app) runOptions(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("options", flag.ContinueOnError)
	jwt := fs.String("jwt", "", "сохранить JWT аккаунта")
	clearJWT := fs.Bool("clear", false, "удалить сохраненный JWT")
	show := fs.Bool("show", false, "показать текущие настройки")

	var incoming *bool
	fs.Func("incoming", "принимать входящие вызовы (true/false)", func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		incoming = &b
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Load(ctx)
	if err != nil {
		return err
	}

	if *clearJWT {
		if err := store.Clear(ctx); err != nil {
			fmt.Println("Erro ao salvar")
			return err
		}
		s.JWT = ""
	}

	changed := false
	if v := strings.TrimSpace(*jwt); v != "" {
		if _, err := credential.FromJWT(v); err != nil {
			fmt.Fprintf(os.Stderr, "Aviso: token não reconhecido: %v\n", err)
		}
		s.JWT = v
		changed = true
	}
	if incoming != nil {
		s.IncomingCalls = *incoming
		changed = true
	}

	switch {
	case changed:
		if err := store.Save(ctx, s); err != nil {
			fmt.Println("Erro ao salvar")
			return err
		}
		fmt.Println("Opções salvas!")
	case *clearJWT:
		fmt.Println("Limpado")
	}

	if *show || !(changed || *clearJWT) {
		printSettings(s)
	}
	return nil
}

func printSettings(s settings.Settings) {
	account := "não configurado"
	if s.JWT != "" {
		if cred, err := credential.FromJWT(s.JWT); err == nil {
			account = cred.String()
		} else {
			account = "token inválido"
		}
	}
	fmt.Printf("Conta:              %s\n", account)
	fmt.Printf("Chamadas recebidas: %t\n", s.IncomingCalls)
}
